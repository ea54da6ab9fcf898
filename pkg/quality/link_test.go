package quality

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
	"github.com/tunnelworks/underlay/pkg/taskqueue"
)

type fakeSignalReader struct {
	dbm atomic.Int64
}

func (f *fakeSignalReader) ReadSignal(_ context.Context, _ pkg.NetworkRecord) (int, error) {
	return int(f.dbm.Load()), nil
}

func wifiRecord(t *testing.T) pkg.NetworkRecord {
	t.Helper()
	rec, err := pkg.NewRecordBuilder(1).
		SetCapabilities(pkg.Capabilities{Transports: []pkg.Transport{pkg.TransportWiFi}, SubscriptionID: pkg.SubscriptionIDNone}).
		SetLinkProperties(pkg.LinkProperties{}).
		SetBlocked(false).
		Build()
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	return rec
}

func TestSignalStrengthMetric_Hysteresis(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	queue := taskqueue.New("test", logger)
	t.Cleanup(queue.Close)

	reader := &fakeSignalReader{}
	carrier := pkg.CarrierConfig{
		KeyWiFiEntryRSSIThreshold: -70,
		KeyWiFiExitRSSIThreshold:  -74,
	}
	m := NewSignalStrengthMetric(NewRecordHolder(wifiRecord(t)), reader, carrier, Options{Queue: queue, Logger: logger})

	waitState := func(want pkg.MetricState) {
		t.Helper()
		assert.Eventually(t, func() bool {
			return stateOf(queue, m) == want
		}, time.Second, 5*time.Millisecond, "metric never reached %v", want)
	}
	reevaluate := func() {
		queue.PostAndWait(func() { m.TriggerReevaluation() })
	}

	// Below the entry threshold: not acceptable.
	reader.dbm.Store(-72)
	queue.PostAndWait(func() { m.SetEnabled(true) })
	waitState(pkg.MetricNotAcceptable)

	// Above entry: acceptable.
	reader.dbm.Store(-65)
	reevaluate()
	waitState(pkg.MetricAcceptable)

	// Between exit and entry: hysteresis keeps it acceptable.
	reader.dbm.Store(-72)
	reevaluate()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, pkg.MetricAcceptable, stateOf(queue, m))

	// Below exit: drops.
	reader.dbm.Store(-80)
	reevaluate()
	waitState(pkg.MetricNotAcceptable)
}

func TestSignalStrengthMetric_InapplicableForEthernet(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	queue := taskqueue.New("test", logger)
	t.Cleanup(queue.Close)

	rec, err := pkg.NewRecordBuilder(2).
		SetCapabilities(pkg.Capabilities{Transports: []pkg.Transport{pkg.TransportEthernet}, SubscriptionID: pkg.SubscriptionIDNone}).
		SetLinkProperties(pkg.LinkProperties{}).
		SetBlocked(false).
		Build()
	if err != nil {
		t.Fatalf("build record: %v", err)
	}

	m := NewSignalStrengthMetric(NewRecordHolder(rec), &fakeSignalReader{}, nil, Options{Queue: queue, Logger: logger})
	if m.Applicable() {
		t.Fatal("signal metric applicable to a wired transport")
	}
}

func TestSuspendedMetric_SeesCapabilityUpdates(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	queue := taskqueue.New("test", logger)
	t.Cleanup(queue.Close)

	record := func(suspended bool) pkg.NetworkRecord {
		rec, err := pkg.NewRecordBuilder(1).
			SetCapabilities(pkg.Capabilities{
				Transports:     []pkg.Transport{pkg.TransportWiFi},
				SubscriptionID: pkg.SubscriptionIDNone,
				Suspended:      suspended,
			}).
			SetLinkProperties(pkg.LinkProperties{}).
			SetBlocked(false).
			Build()
		if err != nil {
			t.Fatalf("build record: %v", err)
		}
		return rec
	}

	holder := NewRecordHolder(record(false))
	m := NewSuspendedMetric(holder, Options{Queue: queue, Logger: logger})

	waitState := func(want pkg.MetricState) {
		t.Helper()
		assert.Eventually(t, func() bool {
			return stateOf(queue, m) == want
		}, time.Second, 5*time.Millisecond, "metric never reached %v", want)
	}

	queue.PostAndWait(func() { m.SetEnabled(true) })
	waitState(pkg.MetricAcceptable)

	// A superseding record flips the suspended flag; the next evaluation
	// must read it through the holder, not the construction-time snapshot.
	queue.PostAndWait(func() {
		holder.Set(record(true))
		m.TriggerReevaluation()
	})
	waitState(pkg.MetricNotAcceptable)

	queue.PostAndWait(func() {
		holder.Set(record(false))
		m.TriggerReevaluation()
	})
	waitState(pkg.MetricAcceptable)
}

func TestLatencyTrendMetric_Verdicts(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	queue := taskqueue.New("test", logger)
	t.Cleanup(queue.Close)

	carrier := pkg.CarrierConfig{
		KeyTrendMinSamples:       3,
		KeyTrendMaxSlopeMSPerMin: 10.0,
	}

	fill := func(h *LatencyHistory, latencies []float64) {
		base := time.Now().Add(-time.Duration(len(latencies)) * time.Minute)
		for i, l := range latencies {
			h.samples = append(h.samples, latencySample{
				at:        base.Add(time.Duration(i) * time.Minute),
				latencyMS: l,
			})
		}
	}

	t.Run("too_few_samples_is_not_applicable", func(t *testing.T) {
		history := NewLatencyHistory(10)
		fill(history, []float64{20, 21})
		m := NewLatencyTrendMetric(NewRecordHolder(wifiRecord(t)), history, carrier, Options{Queue: queue, Logger: logger})
		queue.PostAndWait(func() { m.SetEnabled(true) })
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, pkg.MetricNotApplicable, stateOf(queue, m))
	})

	t.Run("flat_latency_is_acceptable", func(t *testing.T) {
		history := NewLatencyHistory(10)
		fill(history, []float64{20, 21, 20, 22, 20})
		m := NewLatencyTrendMetric(NewRecordHolder(wifiRecord(t)), history, carrier, Options{Queue: queue, Logger: logger})
		queue.PostAndWait(func() { m.SetEnabled(true) })
		assert.Eventually(t, func() bool {
			return stateOf(queue, m) == pkg.MetricAcceptable
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("climbing_latency_is_not_acceptable", func(t *testing.T) {
		history := NewLatencyHistory(10)
		fill(history, []float64{20, 60, 100, 140, 180})
		m := NewLatencyTrendMetric(NewRecordHolder(wifiRecord(t)), history, carrier, Options{Queue: queue, Logger: logger})
		queue.PostAndWait(func() { m.SetEnabled(true) })
		assert.Eventually(t, func() bool {
			return stateOf(queue, m) == pkg.MetricNotAcceptable
		}, time.Second, 5*time.Millisecond)
	})
}

type fakeTrafficReader struct {
	tx    atomic.Uint64
	rx    atomic.Uint64
	fails atomic.Bool
}

func (f *fakeTrafficReader) ReadTrafficStats(_ context.Context, _ pkg.NetworkRecord) (TrafficStats, error) {
	if f.fails.Load() {
		return TrafficStats{}, context.DeadlineExceeded
	}
	return TrafficStats{TxBytes: f.tx.Load(), RxBytes: f.rx.Load()}, nil
}

func TestTrafficFlowMetric_StallDetection(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	queue := taskqueue.New("test", logger)
	t.Cleanup(queue.Close)

	reader := &fakeTrafficReader{}
	carrier := pkg.CarrierConfig{KeyTrafficStallLimit: 2}
	m := NewTrafficFlowMetric(NewRecordHolder(wifiRecord(t)), reader, carrier, Options{Queue: queue, Logger: logger})

	reevaluate := func() {
		queue.PostAndWait(func() { m.TriggerReevaluation() })
		assert.Eventually(t, func() bool {
			var pending bool
			queue.PostAndWait(func() { pending = m.pending != nil })
			return !pending
		}, time.Second, 2*time.Millisecond)
	}

	// First sample only seeds the counters.
	reader.tx.Store(1000)
	reader.rx.Store(5000)
	queue.PostAndWait(func() { m.SetEnabled(true) })
	assert.Eventually(t, func() bool {
		var pending bool
		queue.PostAndWait(func() { pending = m.pending != nil })
		return !pending
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, pkg.MetricNotApplicable, stateOf(queue, m))

	// Bidirectional traffic: acceptable.
	reader.tx.Store(2000)
	reader.rx.Store(9000)
	reevaluate()
	assert.Equal(t, pkg.MetricAcceptable, stateOf(queue, m))

	// Outbound only, twice in a row: stall at the limit.
	reader.tx.Store(3000)
	reevaluate()
	assert.Equal(t, pkg.MetricAcceptable, stateOf(queue, m))
	reader.tx.Store(4000)
	reevaluate()
	assert.Equal(t, pkg.MetricNotAcceptable, stateOf(queue, m))

	// Inbound traffic resumes: recovers.
	reader.tx.Store(5000)
	reader.rx.Store(9500)
	reevaluate()
	assert.Equal(t, pkg.MetricAcceptable, stateOf(queue, m))
}

func TestTrafficFlowMetric_CounterResetIsNotAStall(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	queue := taskqueue.New("test", logger)
	t.Cleanup(queue.Close)

	reader := &fakeTrafficReader{}
	carrier := pkg.CarrierConfig{KeyTrafficStallLimit: 1}
	m := NewTrafficFlowMetric(NewRecordHolder(wifiRecord(t)), reader, carrier, Options{Queue: queue, Logger: logger})

	reevaluate := func() {
		queue.PostAndWait(func() { m.TriggerReevaluation() })
		assert.Eventually(t, func() bool {
			var pending bool
			queue.PostAndWait(func() { pending = m.pending != nil })
			return !pending
		}, time.Second, 2*time.Millisecond)
	}

	reader.tx.Store(40000)
	reader.rx.Store(90000)
	queue.PostAndWait(func() { m.SetEnabled(true) })
	assert.Eventually(t, func() bool {
		var pending bool
		queue.PostAndWait(func() { pending = m.pending != nil })
		return !pending
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, pkg.MetricNotApplicable, stateOf(queue, m))

	reader.tx.Store(41000)
	reader.rx.Store(95000)
	reevaluate()
	assert.Equal(t, pkg.MetricAcceptable, stateOf(queue, m))

	// Interface bounce: the tx counter restarts below the last sample while
	// rx lands on the same value. The wrapped delta must not read as
	// outbound-without-inbound; the baseline is reseeded instead.
	reader.tx.Store(300)
	reevaluate()
	assert.Equal(t, pkg.MetricNotApplicable, stateOf(queue, m))

	// The next sample is judged against the fresh baseline.
	reader.tx.Store(800)
	reader.rx.Store(95500)
	reevaluate()
	assert.Equal(t, pkg.MetricAcceptable, stateOf(queue, m))
}
