package quality

import (
	"fmt"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
)

// Aggregator owns the metrics of one kind for one network and combines
// their states into a single summary. All methods must be invoked from the
// owning queue's goroutine.
type Aggregator struct {
	kind    pkg.MetricKind
	enabled bool
	state   pkg.MetricState
	metrics []*Metric

	notify func(a *Aggregator, old, new pkg.MetricState)
	logger *logx.Logger
}

// NewAggregator creates an aggregator over the given metrics, all of which
// must carry the aggregator's kind.
func NewAggregator(kind pkg.MetricKind, metrics []*Metric, logger *logx.Logger) (*Aggregator, error) {
	a := &Aggregator{
		kind:    kind,
		state:   pkg.MetricNotApplicable,
		metrics: metrics,
		logger:  logger,
	}
	for _, m := range metrics {
		if m.Kind() != kind {
			return nil, fmt.Errorf("metric %s has kind %s, aggregator expects %s",
				m.Name(), m.Kind(), kind)
		}
		m.notify = a.onMetricChanged
	}
	return a, nil
}

// Kind returns the aggregator's metric kind.
func (a *Aggregator) Kind() pkg.MetricKind { return a.kind }

// Enabled reports whether the aggregator is enabled.
func (a *Aggregator) Enabled() bool { return a.enabled }

// State returns the current aggregate state.
func (a *Aggregator) State() pkg.MetricState { return a.state }

// Metrics returns the owned metrics.
func (a *Aggregator) Metrics() []*Metric { return a.metrics }

// SetNotify registers the owner callback, fired only when the aggregate
// value actually changes.
func (a *Aggregator) SetNotify(fn func(a *Aggregator, old, new pkg.MetricState)) {
	a.notify = fn
}

// SetEnabled toggles the aggregator and propagates the request to every
// child metric. Idempotent. Toggling resets the aggregate to
// not-applicable without notifying; the next child state change recomputes
// it.
func (a *Aggregator) SetEnabled(enabled bool) {
	if a.enabled == enabled {
		return
	}
	a.enabled = enabled
	a.state = pkg.MetricNotApplicable
	for _, m := range a.metrics {
		m.SetEnabled(enabled)
	}
}

// TriggerReevaluation asks every enabled child metric to reevaluate.
func (a *Aggregator) TriggerReevaluation() {
	for _, m := range a.metrics {
		m.TriggerReevaluation()
	}
}

func (a *Aggregator) onMetricChanged(_ *Metric, _, _ pkg.MetricState) {
	if !a.enabled {
		return
	}
	a.recompute()
}

// recompute applies the combination rule: any enabled not-acceptable child
// vetoes the aggregate outright; otherwise any enabled not-applicable child
// blocks a verdict; otherwise the aggregate is acceptable.
func (a *Aggregator) recompute() {
	next := pkg.MetricAcceptable
	for _, m := range a.metrics {
		if !m.Enabled() {
			continue
		}
		switch m.State() {
		case pkg.MetricNotAcceptable:
			next = pkg.MetricNotAcceptable
		case pkg.MetricNotApplicable:
			if next != pkg.MetricNotAcceptable {
				next = pkg.MetricNotApplicable
			}
		}
		if next == pkg.MetricNotAcceptable {
			break
		}
	}

	if next == a.state {
		return
	}
	old := a.state
	a.state = next
	a.logger.Debug("aggregate state changed", "kind", a.kind.String(), "from", old.String(), "to", next.String())
	if a.notify != nil {
		a.notify(a, old, next)
	}
}
