package quality

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sajari/regression"

	"github.com/tunnelworks/underlay/pkg"
)

// Prober measures reachability latency over a network. Implementations must
// be bounded by the context deadline.
type Prober interface {
	Probe(ctx context.Context, record pkg.NetworkRecord) (latencyMS float64, err error)
}

// TCPProber measures latency by timing TCP connects to well-known targets.
// ICMP is frequently blocked on carrier networks, so connect timing is the
// portable fallback.
type TCPProber struct {
	Targets []string
	Dialer  *net.Dialer
}

// NewTCPProber creates a prober over the given host:port targets.
func NewTCPProber(targets []string) *TCPProber {
	return &TCPProber{
		Targets: targets,
		Dialer:  &net.Dialer{},
	}
}

// Probe dials targets in order and returns the first successful connect
// time. It fails only when every target is unreachable.
func (p *TCPProber) Probe(ctx context.Context, record pkg.NetworkRecord) (float64, error) {
	if len(p.Targets) == 0 {
		return 0, fmt.Errorf("no probe targets configured")
	}
	var lastErr error
	for _, target := range p.Targets {
		start := time.Now()
		conn, err := p.Dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return float64(time.Since(start).Milliseconds()), nil
	}
	return 0, fmt.Errorf("all %d probe targets unreachable: %w", len(p.Targets), lastErr)
}

// latencySample is one probe result.
type latencySample struct {
	at        time.Time
	latencyMS float64
}

// LatencyHistory is a rolling window of probe results shared between the
// reachability metric (producer) and the trend metric (consumer). Access is
// confined to the owning queue goroutine.
type LatencyHistory struct {
	samples []latencySample
	size    int
}

// NewLatencyHistory creates a history holding up to size samples.
func NewLatencyHistory(size int) *LatencyHistory {
	if size <= 0 {
		size = 20
	}
	return &LatencyHistory{size: size}
}

// Add appends a sample, evicting the oldest past capacity.
func (h *LatencyHistory) Add(latencyMS float64) {
	h.samples = append(h.samples, latencySample{at: time.Now(), latencyMS: latencyMS})
	if len(h.samples) > h.size {
		h.samples = h.samples[len(h.samples)-h.size:]
	}
}

// Len returns the number of stored samples.
func (h *LatencyHistory) Len() int { return len(h.samples) }

// Reset drops all samples.
func (h *LatencyHistory) Reset() { h.samples = nil }

// NewReachabilityMetric builds the active-probe metric: probe the network
// and compare latency against the carrier-configured ceiling. A failed
// probe means the network cannot carry traffic, which is a quality verdict,
// not an evaluation fault.
func NewReachabilityMetric(holder *RecordHolder, prober Prober, history *LatencyHistory, carrier pkg.CarrierConfig, opts Options) *Metric {
	maxLatency := carrier.GetFloat(KeyProbeMaxLatencyMS, DefaultProbeMaxLatencyMS)

	evaluate := func(ctx context.Context) (pkg.MetricState, error) {
		if prober == nil {
			return pkg.MetricNotApplicable, nil
		}
		latency, err := prober.Probe(ctx, holder.Get())
		if err != nil {
			return pkg.MetricNotAcceptable, nil
		}
		if history != nil {
			history.Add(latency)
		}
		if latency > maxLatency {
			return pkg.MetricNotAcceptable, nil
		}
		return pkg.MetricAcceptable, nil
	}

	name := fmt.Sprintf("net%d/reachability", holder.Get().Network)
	return NewMetric(name, pkg.MetricKindActiveProbe, true, evaluate, opts)
}

// NewLatencyTrendMetric builds the active-probe metric that fits a linear
// regression over the recent latency history and fails the network when
// latency is climbing faster than the configured slope. Too few samples
// yields not-applicable rather than a verdict.
func NewLatencyTrendMetric(holder *RecordHolder, history *LatencyHistory, carrier pkg.CarrierConfig, opts Options) *Metric {
	minSamples := carrier.GetInt(KeyTrendMinSamples, DefaultTrendMinSamples)
	maxSlope := carrier.GetFloat(KeyTrendMaxSlopeMSPerMin, DefaultTrendMaxSlopeMSPerM)

	evaluate := func(ctx context.Context) (pkg.MetricState, error) {
		if history == nil || history.Len() < minSamples {
			return pkg.MetricNotApplicable, nil
		}

		r := new(regression.Regression)
		r.SetObserved("latency_ms")
		r.SetVar(0, "elapsed_min")
		origin := history.samples[0].at
		for _, s := range history.samples {
			r.Train(regression.DataPoint(s.latencyMS, []float64{s.at.Sub(origin).Minutes()}))
		}
		if err := r.Run(); err != nil {
			return pkg.MetricNotApplicable, fmt.Errorf("latency trend regression: %w", err)
		}

		slope := r.Coeff(1) // ms per minute
		if slope > maxSlope {
			return pkg.MetricNotAcceptable, nil
		}
		return pkg.MetricAcceptable, nil
	}

	name := fmt.Sprintf("net%d/latency-trend", holder.Get().Network)
	return NewMetric(name, pkg.MetricKindActiveProbe, true, evaluate, opts)
}
