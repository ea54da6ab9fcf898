package quality

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
	"github.com/tunnelworks/underlay/pkg/power"
	"github.com/tunnelworks/underlay/pkg/taskqueue"
)

// scripted is a controllable evaluation function for tests.
type scripted struct {
	result atomic.Int64 // pkg.MetricState
	fail   atomic.Bool
	panics atomic.Bool
	evals  atomic.Int64
}

func (s *scripted) set(state pkg.MetricState) { s.result.Store(int64(state)) }

func (s *scripted) evaluate(ctx context.Context) (pkg.MetricState, error) {
	s.evals.Add(1)
	if s.panics.Load() {
		panic("scripted panic")
	}
	if s.fail.Load() {
		return pkg.MetricNotApplicable, context.DeadlineExceeded
	}
	return pkg.MetricState(s.result.Load()), nil
}

func newMetricFixture(t *testing.T, applicable bool) (*Metric, *scripted, *taskqueue.Queue, *power.CountingProvider) {
	t.Helper()
	logger := logx.NewLogger("error", "test")
	queue := taskqueue.New("test", logger)
	t.Cleanup(queue.Close)

	script := &scripted{}
	script.set(pkg.MetricAcceptable)
	locks := power.NewCountingProvider()

	m := NewMetric("test/metric", pkg.MetricKindLink, applicable, script.evaluate, Options{
		Queue:     queue,
		Logger:    logger,
		WakeLocks: locks,
	})
	return m, script, queue, locks
}

// stateOf reads the metric state from the queue goroutine.
func stateOf(q *taskqueue.Queue, m *Metric) pkg.MetricState {
	var state pkg.MetricState
	q.PostAndWait(func() { state = m.State() })
	return state
}

func TestMetric_DisabledReportsNotApplicable(t *testing.T) {
	m, _, queue, _ := newMetricFixture(t, true)

	if got := stateOf(queue, m); got != pkg.MetricNotApplicable {
		t.Fatalf("initial state = %v, want not-applicable", got)
	}

	queue.PostAndWait(func() { m.TriggerReevaluation() })
	time.Sleep(20 * time.Millisecond)
	if got := stateOf(queue, m); got != pkg.MetricNotApplicable {
		t.Fatalf("disabled metric state = %v, want not-applicable", got)
	}
}

func TestMetric_EnableSchedulesEvaluation(t *testing.T) {
	m, script, queue, _ := newMetricFixture(t, true)

	queue.PostAndWait(func() { m.SetEnabled(true) })

	assert.Eventually(t, func() bool {
		return stateOf(queue, m) == pkg.MetricAcceptable
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, script.evals.Load())
}

func TestMetric_InapplicableIgnoresEnable(t *testing.T) {
	m, script, queue, _ := newMetricFixture(t, false)

	queue.PostAndWait(func() { m.SetEnabled(true) })
	time.Sleep(30 * time.Millisecond)

	if got := stateOf(queue, m); got != pkg.MetricNotApplicable {
		t.Fatalf("inapplicable metric state = %v, want not-applicable", got)
	}
	if script.evals.Load() != 0 {
		t.Fatal("inapplicable metric was evaluated")
	}
	queue.PostAndWait(func() {
		if m.Enabled() {
			t.Error("inapplicable metric reports enabled")
		}
	})
}

func TestMetric_DisableForcesNotApplicable(t *testing.T) {
	m, _, queue, _ := newMetricFixture(t, true)

	queue.PostAndWait(func() { m.SetEnabled(true) })
	assert.Eventually(t, func() bool {
		return stateOf(queue, m) == pkg.MetricAcceptable
	}, time.Second, 5*time.Millisecond)

	queue.PostAndWait(func() { m.SetEnabled(false) })
	if got := stateOf(queue, m); got != pkg.MetricNotApplicable {
		t.Fatalf("disabled metric state = %v, want not-applicable", got)
	}
}

// Disabling then immediately re-enabling before the scheduled evaluation
// fires must produce exactly one evaluation.
func TestMetric_DisableReenableRunsOnce(t *testing.T) {
	m, script, queue, _ := newMetricFixture(t, true)

	queue.PostAndWait(func() {
		m.SetEnabled(true)
		m.SetEnabled(false)
		m.SetEnabled(true)
	})

	assert.Eventually(t, func() bool {
		return stateOf(queue, m) == pkg.MetricAcceptable
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, script.evals.Load(), "expected exactly one evaluation")
}

func TestMetric_EvaluationErrorResolvesNotApplicable(t *testing.T) {
	m, script, queue, _ := newMetricFixture(t, true)
	script.fail.Store(true)

	queue.PostAndWait(func() { m.SetEnabled(true) })
	assert.Eventually(t, func() bool {
		return script.evals.Load() == 1
	}, time.Second, 5*time.Millisecond)

	if got := stateOf(queue, m); got != pkg.MetricNotApplicable {
		t.Fatalf("failing metric state = %v, want not-applicable", got)
	}
}

func TestMetric_PanicContainedAndResolvesNotApplicable(t *testing.T) {
	m, script, queue, locks := newMetricFixture(t, true)
	script.panics.Store(true)

	queue.PostAndWait(func() { m.SetEnabled(true) })
	assert.Eventually(t, func() bool {
		return script.evals.Load() == 1
	}, time.Second, 5*time.Millisecond)

	if got := stateOf(queue, m); got != pkg.MetricNotApplicable {
		t.Fatalf("panicking metric state = %v, want not-applicable", got)
	}

	// The wake lock must be released even on the panic path.
	lock := locks.Lock("underlay:metric:test/metric")
	require.NotNil(t, lock)
	acquires, releases := lock.Counts()
	assert.Equal(t, acquires, releases, "wake lock not balanced after panic")
	assert.Equal(t, 1, acquires)
}

func TestMetric_WakeLockSpansEvaluation(t *testing.T) {
	m, _, queue, locks := newMetricFixture(t, true)

	queue.PostAndWait(func() { m.SetEnabled(true) })
	assert.Eventually(t, func() bool {
		return stateOf(queue, m) == pkg.MetricAcceptable
	}, time.Second, 5*time.Millisecond)

	queue.PostAndWait(func() { m.TriggerReevaluation() })
	assert.Eventually(t, func() bool {
		lock := locks.Lock("underlay:metric:test/metric")
		if lock == nil {
			return false
		}
		acquires, releases := lock.Counts()
		return acquires == 2 && releases == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMetric_NotifyOnlyOnChange(t *testing.T) {
	m, script, queue, _ := newMetricFixture(t, true)

	var notifications atomic.Int64
	m.notify = func(_ *Metric, _, _ pkg.MetricState) { notifications.Add(1) }

	queue.PostAndWait(func() { m.SetEnabled(true) })
	assert.Eventually(t, func() bool {
		return notifications.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// Same result again: no further notification.
	queue.PostAndWait(func() { m.TriggerReevaluation() })
	assert.Eventually(t, func() bool {
		return script.evals.Load() == 2
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, notifications.Load())

	// Changed result notifies.
	script.set(pkg.MetricNotAcceptable)
	queue.PostAndWait(func() { m.TriggerReevaluation() })
	assert.Eventually(t, func() bool {
		return notifications.Load() == 2
	}, time.Second, 5*time.Millisecond)
}
