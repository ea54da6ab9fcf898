// Package monitor implements the per-network lifecycle state machine that
// owns a network's metric aggregators and drives promotions and demotions
// from their verdicts.
package monitor

import (
	"fmt"
	"time"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
	"github.com/tunnelworks/underlay/pkg/quality"
	"github.com/tunnelworks/underlay/pkg/taskqueue"
)

// Config carries the monitor timeouts. Both are mandatory: a network in
// PROSPECTIVE must prove itself within ProspectiveTimeout or be penalized,
// and a penalized network recovers to BACKGROUND after PenaltyBoxTimeout.
type Config struct {
	ProspectiveTimeout time.Duration
	PenaltyBoxTimeout  time.Duration
}

// Validate rejects unusable timeout values.
func (c Config) Validate() error {
	if c.ProspectiveTimeout <= 0 {
		return fmt.Errorf("prospective timeout must be positive, got %v", c.ProspectiveTimeout)
	}
	if c.PenaltyBoxTimeout <= 0 {
		return fmt.Errorf("penalty box timeout must be positive, got %v", c.PenaltyBoxTimeout)
	}
	return nil
}

// ReselectionFunc is invoked when a metric verdict implies the currently
// selected network may no longer be optimal.
type ReselectionFunc func(network pkg.NetworkID, verdict pkg.MetricState, state pkg.NetworkState)

// StateChangeFunc is invoked after every committed state transition.
type StateChangeFunc func(network pkg.NetworkID, from, to pkg.NetworkState)

// stateEnablement is the cumulative per-state aggregator enablement table.
var stateEnablement = map[pkg.NetworkState]map[pkg.MetricKind]bool{
	pkg.StateBackground: {
		pkg.MetricKindLink:        true,
		pkg.MetricKindActiveProbe: false,
		pkg.MetricKindTrafficFlow: false,
	},
	pkg.StateProspective: {
		pkg.MetricKindLink:        true,
		pkg.MetricKindActiveProbe: true,
		pkg.MetricKindTrafficFlow: false,
	},
	pkg.StateActive: {
		pkg.MetricKindLink:        true,
		pkg.MetricKindActiveProbe: true,
		pkg.MetricKindTrafficFlow: true,
	},
	pkg.StateInPenaltyBox: {
		pkg.MetricKindLink:        false,
		pkg.MetricKindActiveProbe: false,
		pkg.MetricKindTrafficFlow: false,
	},
}

// Monitor owns one network's aggregators and lifecycle state. All methods
// must be invoked from the owning queue's goroutine.
type Monitor struct {
	holder  *quality.RecordHolder
	network pkg.NetworkID
	state   pkg.NetworkState

	aggregators map[pkg.MetricKind]*quality.Aggregator

	prospectiveTimer *taskqueue.Scheduled
	penaltyTimer     *taskqueue.Scheduled

	cfg    Config
	queue  *taskqueue.Queue
	logger *logx.Logger

	onReselect    ReselectionFunc
	onStateChange StateChangeFunc

	tornDown bool
}

// New creates a monitor in BACKGROUND state, enables the aggregators for
// that state and starts their first evaluations. The holder is shared with
// the aggregators' metrics: swapping the record on it is how superseding
// snapshots reach their evaluators.
func New(holder *quality.RecordHolder, aggregators []*quality.Aggregator, cfg Config, queue *taskqueue.Queue, logger *logx.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, fmt.Errorf("monitor requires a record holder")
	}
	m := &Monitor{
		holder:      holder,
		network:     holder.Get().Network,
		state:       pkg.StateBackground,
		aggregators: make(map[pkg.MetricKind]*quality.Aggregator, len(aggregators)),
		cfg:         cfg,
		queue:       queue,
		logger:      logger,
	}
	for _, a := range aggregators {
		if _, dup := m.aggregators[a.Kind()]; dup {
			return nil, fmt.Errorf("duplicate aggregator for kind %s", a.Kind())
		}
		a.SetNotify(m.onAggregateChanged)
		m.aggregators[a.Kind()] = a
	}
	m.applyEnablement(pkg.StateBackground)
	return m, nil
}

// SetReselectionFunc registers the reselection callback.
func (m *Monitor) SetReselectionFunc(fn ReselectionFunc) { m.onReselect = fn }

// SetStateChangeFunc registers the transition callback.
func (m *Monitor) SetStateChangeFunc(fn StateChangeFunc) { m.onStateChange = fn }

// Record returns the latest record for the monitored network.
func (m *Monitor) Record() pkg.NetworkRecord { return m.holder.Get() }

// State returns the current lifecycle state.
func (m *Monitor) State() pkg.NetworkState { return m.state }

// UpdateRecord publishes a superseding record to the shared holder and
// reevaluates the enabled aggregators: a capability change (e.g. the
// suspended flag flipping) may change their verdicts.
func (m *Monitor) UpdateRecord(record pkg.NetworkRecord) {
	m.holder.Set(record)
	m.TriggerReevaluation()
}

// OverallVerdict combines every aggregator's state into the monitor-level
// verdict: the minimum across aggregates, where not-acceptable orders below
// acceptable, which orders below not-applicable.
func (m *Monitor) OverallVerdict() pkg.MetricState {
	verdict := pkg.MetricNotApplicable
	for _, a := range m.aggregators {
		if a.State() < verdict {
			verdict = a.State()
		}
	}
	return verdict
}

// SetState transitions the monitor to next. A request matching the current
// state is a no-op; an unknown state value is an internal-consistency error
// and the request is dropped. Every committed transition reapplies the
// enablement table and cancels both timers before arming the one the new
// state needs.
func (m *Monitor) SetState(next pkg.NetworkState) {
	if m.tornDown || next == m.state {
		return
	}
	row, known := stateEnablement[next]
	if !known {
		m.logger.Wtf("unknown network state requested, dropping transition",
			"network", m.network, "requested", int(next), "current", m.state.String())
		return
	}

	for kind, agg := range m.aggregators {
		agg.SetEnabled(row[kind])
	}

	m.cancelTimers()
	switch next {
	case pkg.StateInPenaltyBox:
		m.penaltyTimer = m.queue.Schedule(m.cfg.PenaltyBoxTimeout, func() {
			m.penaltyTimer = nil
			m.SetState(pkg.StateBackground)
		})
	case pkg.StateProspective:
		m.prospectiveTimer = m.queue.Schedule(m.cfg.ProspectiveTimeout, func() {
			m.prospectiveTimer = nil
			m.SetState(pkg.StateInPenaltyBox)
		})
	}

	from := m.state
	m.state = next
	m.logger.Info("network state transition",
		"network", m.network, "from", from.String(), "to", next.String())
	if m.onStateChange != nil {
		m.onStateChange(m.network, from, next)
	}
}

// onAggregateChanged reacts to an aggregate verdict change. A penalized
// network ignores further signal until its timeout releases it.
func (m *Monitor) onAggregateChanged(_ *quality.Aggregator, _, _ pkg.MetricState) {
	if m.tornDown || m.state == pkg.StateInPenaltyBox {
		return
	}

	verdict := m.OverallVerdict()
	switch verdict {
	case pkg.MetricAcceptable:
		switch m.state {
		case pkg.StateActive, pkg.StateProspective:
			if m.onReselect != nil {
				m.onReselect(m.network, verdict, m.state)
			}
		case pkg.StateBackground:
			m.SetState(pkg.StateProspective)
		}
	case pkg.MetricNotAcceptable:
		// Prospective and background networks get slack: they may still be
		// waiting on their first full evaluation, or are expected to show
		// transient dips while not carrying traffic.
		if m.state == pkg.StateActive {
			m.SetState(pkg.StateInPenaltyBox)
		}
	}
}

// TriggerReevaluation asks every enabled aggregator to reevaluate its
// metrics. Quality signals are polled, not pushed, on most platforms, so
// the registry drives this periodically.
func (m *Monitor) TriggerReevaluation() {
	if m.tornDown {
		return
	}
	for _, a := range m.aggregators {
		if a.Enabled() {
			a.TriggerReevaluation()
		}
	}
}

func (m *Monitor) cancelTimers() {
	if m.prospectiveTimer != nil {
		m.prospectiveTimer.Cancel()
		m.prospectiveTimer = nil
	}
	if m.penaltyTimer != nil {
		m.penaltyTimer.Cancel()
		m.penaltyTimer = nil
	}
}

// Teardown disables all aggregators, cancels timers and permanently stops
// the monitor. Called when the underlying network is lost.
func (m *Monitor) Teardown() {
	if m.tornDown {
		return
	}
	m.cancelTimers()
	for _, a := range m.aggregators {
		a.SetEnabled(false)
	}
	m.tornDown = true
	m.logger.Debug("monitor torn down", "network", m.network)
}

func (m *Monitor) applyEnablement(state pkg.NetworkState) {
	row := stateEnablement[state]
	for kind, agg := range m.aggregators {
		agg.SetEnabled(row[kind])
	}
}
