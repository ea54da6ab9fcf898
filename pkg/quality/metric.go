// Package quality implements the per-network quality metrics and the
// aggregators that combine them into a single verdict per metric kind.
package quality

import (
	"context"
	"time"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
	"github.com/tunnelworks/underlay/pkg/taskqueue"
)

// EvaluateFunc performs one domain-specific quality check and returns the
// resulting state. Errors resolve to not-applicable at the metric boundary.
type EvaluateFunc func(ctx context.Context) (pkg.MetricState, error)

// Observer receives evaluation results, e.g. for Prometheus instrumentation.
type Observer interface {
	EvaluationCompleted(metric string, result pkg.MetricState, elapsed time.Duration)
}

// Options carries the shared collaborators every metric needs.
type Options struct {
	Queue       *taskqueue.Queue
	Logger      *logx.Logger
	WakeLocks   pkg.WakeLockProvider
	Observer    Observer      // optional
	EvalTimeout time.Duration // per-evaluation deadline, defaults to 5s
}

// Metric is a single observable quality signal bound to one network. All
// methods must be invoked from the owning queue's goroutine.
type Metric struct {
	name       string
	kind       pkg.MetricKind
	applicable bool

	enabled bool
	state   pkg.MetricState
	pending *taskqueue.Scheduled

	evaluate EvaluateFunc
	notify   func(m *Metric, old, new pkg.MetricState)

	queue       *taskqueue.Queue
	logger      *logx.Logger
	wakeLock    pkg.WakeLock
	observer    Observer
	evalTimeout time.Duration
}

// NewMetric creates a metric. Inapplicable metrics (signals that are
// meaningless for the network's transport) permanently report
// not-applicable and ignore enable requests.
func NewMetric(name string, kind pkg.MetricKind, applicable bool, evaluate EvaluateFunc, opts Options) *Metric {
	timeout := opts.EvalTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	var lock pkg.WakeLock
	if opts.WakeLocks != nil {
		lock = opts.WakeLocks.NewWakeLock("underlay:metric:" + name)
	}
	return &Metric{
		name:        name,
		kind:        kind,
		applicable:  applicable,
		state:       pkg.MetricNotApplicable,
		evaluate:    evaluate,
		queue:       opts.Queue,
		logger:      opts.Logger,
		wakeLock:    lock,
		observer:    opts.Observer,
		evalTimeout: timeout,
	}
}

// Name returns the metric name.
func (m *Metric) Name() string { return m.name }

// Kind returns the metric's aggregation category.
func (m *Metric) Kind() pkg.MetricKind { return m.kind }

// Applicable reports whether the metric is meaningful for its network.
func (m *Metric) Applicable() bool { return m.applicable }

// Enabled reports whether the metric is currently enabled.
func (m *Metric) Enabled() bool { return m.enabled }

// State returns the current metric state.
func (m *Metric) State() pkg.MetricState { return m.state }

// SetEnabled enables or disables the metric. Enabling schedules an
// immediate reevaluation; disabling cancels any pending evaluation and
// forces the state to not-applicable. No-op for inapplicable metrics and
// for requests matching the current enablement.
func (m *Metric) SetEnabled(enabled bool) {
	if !m.applicable || m.enabled == enabled {
		return
	}
	m.enabled = enabled
	if enabled {
		m.scheduleEvaluation(0)
		return
	}
	m.cancelPending()
	m.setStateAndNotify(pkg.MetricNotApplicable)
}

// TriggerReevaluation schedules an evaluation with zero delay. No-op while
// disabled.
func (m *Metric) TriggerReevaluation() {
	if !m.enabled {
		return
	}
	m.scheduleEvaluation(0)
}

func (m *Metric) scheduleEvaluation(delay time.Duration) {
	m.cancelPending()
	m.pending = m.queue.Schedule(delay, m.runEvaluation)
}

func (m *Metric) cancelPending() {
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
}

// runEvaluation executes one evaluation on the queue. The wake lock spans
// exactly the evaluation call and is released on every exit path; a panic
// inside the evaluator resolves to not-applicable instead of propagating.
func (m *Metric) runEvaluation() {
	m.pending = nil
	if !m.enabled {
		return
	}

	start := time.Now()
	state := m.evaluateGuarded()
	if m.observer != nil {
		m.observer.EvaluationCompleted(m.name, state, time.Since(start))
	}
	m.setStateAndNotify(state)
}

func (m *Metric) evaluateGuarded() (state pkg.MetricState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("metric evaluation panicked", "metric", m.name, "panic", r)
			state = pkg.MetricNotApplicable
		}
	}()

	if m.wakeLock != nil {
		m.wakeLock.Acquire()
		defer m.wakeLock.Release()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.evalTimeout)
	defer cancel()

	result, err := m.evaluate(ctx)
	if err != nil {
		m.logger.Debug("metric evaluation failed, resolving to not-applicable",
			"metric", m.name, "error", err)
		return pkg.MetricNotApplicable
	}
	return result
}

func (m *Metric) setStateAndNotify(state pkg.MetricState) {
	if state == m.state {
		return
	}
	old := m.state
	m.state = state
	m.logger.Debug("metric state changed", "metric", m.name, "from", old.String(), "to", state.String())
	if m.notify != nil {
		m.notify(m, old, state)
	}
}
