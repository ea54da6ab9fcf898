// Package registry owns one monitor per candidate underlying network,
// consumes connectivity updates, ranks candidates by priority class and
// tells the tunnel layer which network is currently best.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/config"
	"github.com/tunnelworks/underlay/pkg/connectivity"
	"github.com/tunnelworks/underlay/pkg/logx"
	"github.com/tunnelworks/underlay/pkg/metrics"
	"github.com/tunnelworks/underlay/pkg/monitor"
	"github.com/tunnelworks/underlay/pkg/power"
	"github.com/tunnelworks/underlay/pkg/priority"
	"github.com/tunnelworks/underlay/pkg/quality"
	"github.com/tunnelworks/underlay/pkg/taskqueue"
	"github.com/tunnelworks/underlay/pkg/telem"
	"github.com/tunnelworks/underlay/pkg/telephony"
)

// ReselectionRequest is the payload of a reselection-needed signal.
type ReselectionRequest struct {
	Network pkg.NetworkID    `json:"network"`
	Verdict pkg.MetricState  `json:"verdict"`
	State   pkg.NetworkState `json:"state"`
}

// Callbacks are the outward-facing hooks. Both are invoked from the
// registry queue; implementations must not block.
type Callbacks struct {
	// OnBestNetworkChanged fires when the top-ranked candidate changes.
	// best is nil when no candidate remains.
	OnBestNetworkChanged func(best *priority.Candidate)

	// OnReselectionNeeded fires when a monitor's verdict implies the
	// currently selected network may no longer be optimal. Signals are
	// coalesced while one is pending delivery.
	OnReselectionNeeded func(req ReselectionRequest)
}

// Options wires the registry's collaborators.
type Options struct {
	Config    *config.Config
	Logger    *logx.Logger
	Telephony *telephony.Holder

	WakeLocks pkg.WakeLockProvider // defaults to power.NoopProvider

	// Metric inputs. Nil readers make the corresponding metric resolve to
	// not-applicable.
	SignalReader  quality.SignalReader
	Prober        quality.Prober // defaults to a TCPProber over Config.ProbeTargets
	TrafficReader quality.TrafficStatsReader

	Telemetry       *telem.Store             // optional
	Instrumentation *metrics.Instrumentation // optional

	Callbacks Callbacks
}

// NetworkStatus is a point-in-time view of one monitored network, exposed
// through the HTTP API.
type NetworkStatus struct {
	Record       pkg.NetworkRecord `json:"record"`
	State        string            `json:"state"`
	Priority     int               `json:"priority"`
	PriorityName string            `json:"priority_name"`
	Verdict      string            `json:"verdict"`
}

// Status is a point-in-time view of the whole registry.
type Status struct {
	Networks  []NetworkStatus `json:"networks"`
	Best      *NetworkStatus  `json:"best,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Registry is the monitor orchestrator. All internal state is confined to
// its serial queue.
type Registry struct {
	cfg     *config.Config
	carrier pkg.CarrierConfig
	logger  *logx.Logger
	queue   *taskqueue.Queue

	telephonySnap *telephony.Holder
	wakeLocks     pkg.WakeLockProvider
	signalReader  quality.SignalReader
	prober        quality.Prober
	trafficReader quality.TrafficStatsReader

	telemetry *telem.Store
	instr     *metrics.Instrumentation
	callbacks Callbacks

	// Queue-confined state.
	builders   map[pkg.NetworkID]*pkg.RecordBuilder
	monitors   map[pkg.NetworkID]*monitor.Monitor
	histories  map[pkg.NetworkID]*quality.LatencyHistory
	priorities map[pkg.NetworkID]int
	bestID     pkg.NetworkID
	hasBest    bool

	reselectPending bool
	eventSeq        uint64

	// Published snapshot for concurrent readers (HTTP API).
	statusMu sync.RWMutex
	status   Status

	sources   sync.WaitGroup
	cancel    context.CancelFunc
	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a registry. The daemon (or embedding orchestrator) feeds it
// connectivity updates via Attach or the Handle methods.
func New(opts Options) (*Registry, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("registry requires a config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("registry config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("info", "registry")
	}
	wakeLocks := opts.WakeLocks
	if wakeLocks == nil {
		wakeLocks = power.NoopProvider{}
	}
	prober := opts.Prober
	if prober == nil {
		prober = quality.NewTCPProber(opts.Config.ProbeTargets)
	}
	tel := opts.Telephony
	if tel == nil {
		tel = telephony.NewHolder(nil)
	}

	r := &Registry{
		cfg:           opts.Config,
		carrier:       opts.Config.CarrierConfig(),
		logger:        logger,
		queue:         taskqueue.New("registry", logger),
		telephonySnap: tel,
		wakeLocks:     wakeLocks,
		signalReader:  opts.SignalReader,
		prober:        prober,
		trafficReader: opts.TrafficReader,
		telemetry:     opts.Telemetry,
		instr:         opts.Instrumentation,
		callbacks:     opts.Callbacks,
		builders:      make(map[pkg.NetworkID]*pkg.RecordBuilder),
		monitors:      make(map[pkg.NetworkID]*monitor.Monitor),
		histories:     make(map[pkg.NetworkID]*quality.LatencyHistory),
		priorities:    make(map[pkg.NetworkID]int),
		stop:          make(chan struct{}),
	}
	return r, nil
}

// Queue exposes the registry's serial queue, for embedders that need to run
// work in the same ordering domain (tests, custom metrics).
func (r *Registry) Queue() *taskqueue.Queue { return r.queue }

// Attach consumes a connectivity source until ctx is cancelled or the
// source closes its channel.
func (r *Registry) Attach(ctx context.Context, source connectivity.Source) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.sources.Add(1)
	go func() {
		defer r.sources.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case update, ok := <-source.Updates():
				if !ok {
					return
				}
				r.dispatch(update)
			}
		}
	}()
}

// StartEvaluations begins periodically reevaluating every monitor's enabled
// metrics. Most quality signals are polled rather than pushed, so without
// this loop only connectivity updates would refresh verdicts.
func (r *Registry) StartEvaluations(ctx context.Context, interval time.Duration) {
	r.sources.Add(1)
	go func() {
		defer r.sources.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.queue.Post(func() {
					for _, mon := range r.monitors {
						mon.TriggerReevaluation()
					}
				})
			}
		}
	}()
}

func (r *Registry) dispatch(u connectivity.Update) {
	switch u.Kind {
	case connectivity.UpdateCapabilities:
		r.HandleCapabilitiesChanged(u.Network, *u.Caps)
	case connectivity.UpdateProperties:
		r.HandlePropertiesChanged(u.Network, *u.Props)
	case connectivity.UpdateBlockedStatus:
		r.HandleBlockedStatusChanged(u.Network, *u.Blocked)
	case connectivity.UpdateLost:
		r.HandleNetworkLost(u.Network)
	}
}

// HandleCapabilitiesChanged records a capability snapshot for a network.
func (r *Registry) HandleCapabilitiesChanged(network pkg.NetworkID, caps pkg.Capabilities) {
	r.queue.Post(func() {
		r.builderFor(network).SetCapabilities(caps)
		r.maybeRebuild(network)
	})
}

// HandlePropertiesChanged records a link-property snapshot for a network.
func (r *Registry) HandlePropertiesChanged(network pkg.NetworkID, props pkg.LinkProperties) {
	r.queue.Post(func() {
		r.builderFor(network).SetLinkProperties(props)
		r.maybeRebuild(network)
	})
}

// HandleBlockedStatusChanged records the blocked status for a network.
func (r *Registry) HandleBlockedStatusChanged(network pkg.NetworkID, blocked bool) {
	r.queue.Post(func() {
		r.builderFor(network).SetBlocked(blocked)
		r.maybeRebuild(network)
	})
}

// HandleNetworkLost tears down monitoring for a lost network.
func (r *Registry) HandleNetworkLost(network pkg.NetworkID) {
	r.queue.Post(func() {
		delete(r.builders, network)
		mon, tracked := r.monitors[network]
		if !tracked {
			return
		}
		mon.Teardown()
		delete(r.monitors, network)
		delete(r.histories, network)
		delete(r.priorities, network)

		r.recordEvent(&pkg.Event{Type: pkg.EventNetworkLost, Network: network})
		if r.instr != nil {
			r.instr.NetworkForgotten(network)
			r.instr.TrackedNetworks(len(r.monitors))
		}
		r.logger.Info("network lost", "network", network)
		r.rerank()
	})
}

// SelectNetwork is called by the tunnel layer once it routes traffic over a
// network: that monitor moves to ACTIVE and the previously active monitor
// (if any) returns to BACKGROUND.
func (r *Registry) SelectNetwork(network pkg.NetworkID) {
	r.queue.Post(func() {
		for id, mon := range r.monitors {
			switch {
			case id == network:
				mon.SetState(pkg.StateActive)
			case mon.State() == pkg.StateActive:
				mon.SetState(pkg.StateBackground)
			}
		}
	})
}

// builderFor returns the accumulating builder for a network. For an
// already-monitored network the builder is pre-seeded from the latest
// record so partial updates merge with known state.
func (r *Registry) builderFor(network pkg.NetworkID) *pkg.RecordBuilder {
	if b, ok := r.builders[network]; ok {
		return b
	}
	b := pkg.NewRecordBuilder(network)
	if mon, tracked := r.monitors[network]; tracked {
		rec := mon.Record()
		b.SetCapabilities(rec.Caps).SetLinkProperties(rec.Props).SetBlocked(rec.Blocked)
	}
	r.builders[network] = b
	return b
}

// maybeRebuild turns a complete builder into a fresh immutable record and
// either creates a monitor or swaps the record on the existing one.
func (r *Registry) maybeRebuild(network pkg.NetworkID) {
	builder := r.builders[network]
	if !builder.Complete() {
		return
	}
	record, err := builder.Build()
	if err != nil {
		r.logger.Wtf("complete builder failed to build", "network", network, "error", err)
		return
	}

	if mon, tracked := r.monitors[network]; tracked {
		if mon.Record().Equal(record) {
			return
		}
		mon.UpdateRecord(record)
		r.classify(network, mon)
		r.rerank()
		return
	}

	mon, err := r.newMonitor(record)
	if err != nil {
		r.logger.Error("failed to create monitor", "network", network, "error", err)
		return
	}
	r.monitors[network] = mon
	r.classify(network, mon)
	r.recordEvent(&pkg.Event{Type: pkg.EventNetworkTracked, Network: network})
	if r.instr != nil {
		r.instr.TrackedNetworks(len(r.monitors))
	}
	r.logger.Info("network tracked", "network", network,
		"transports", fmt.Sprintf("%v", record.Caps.Transports), "blocked", record.Blocked)
	r.rerank()
}

// newMonitor assembles the aggregator tree for a network.
func (r *Registry) newMonitor(record pkg.NetworkRecord) (*monitor.Monitor, error) {
	opts := quality.Options{
		Queue:       r.queue,
		Logger:      r.logger,
		WakeLocks:   r.wakeLocks,
		EvalTimeout: r.cfg.EvalTimeout(),
	}
	if r.instr != nil {
		opts.Observer = r.instr
	}

	history := quality.NewLatencyHistory(20)
	holder := quality.NewRecordHolder(record)

	link, err := quality.NewAggregator(pkg.MetricKindLink, []*quality.Metric{
		quality.NewSignalStrengthMetric(holder, r.signalReader, r.carrier, opts),
		quality.NewSuspendedMetric(holder, opts),
	}, r.logger)
	if err != nil {
		return nil, err
	}
	probe, err := quality.NewAggregator(pkg.MetricKindActiveProbe, []*quality.Metric{
		quality.NewReachabilityMetric(holder, r.prober, history, r.carrier, opts),
		quality.NewLatencyTrendMetric(holder, history, r.carrier, opts),
	}, r.logger)
	if err != nil {
		return nil, err
	}
	traffic, err := quality.NewAggregator(pkg.MetricKindTrafficFlow, []*quality.Metric{
		quality.NewTrafficFlowMetric(holder, r.trafficReader, r.carrier, opts),
	}, r.logger)
	if err != nil {
		return nil, err
	}
	mon, err := monitor.New(holder, []*quality.Aggregator{link, probe, traffic}, monitor.Config{
		ProspectiveTimeout: r.cfg.ProspectiveTimeout(),
		PenaltyBoxTimeout:  r.cfg.PenaltyBoxTimeout(),
	}, r.queue, r.logger)
	if err != nil {
		return nil, err
	}
	r.histories[record.Network] = history
	mon.SetReselectionFunc(r.onReselect)
	mon.SetStateChangeFunc(r.onStateChange)
	return mon, nil
}

func (r *Registry) classify(network pkg.NetworkID, mon *monitor.Monitor) {
	record := mon.Record()
	class := priority.CalculatePriorityClass(record, record.Caps.Validated, priority.Config{
		SubscriptionGroup: r.cfg.SubscriptionGroup,
		Snapshot:          r.telephonySnap.Get(),
		Logger:            r.logger,
	})
	r.priorities[network] = class
	if r.instr != nil {
		r.instr.PriorityClass(network, class)
	}
}

// ReclassifyAll recomputes every network's priority class, e.g. after the
// telephony snapshot changed.
func (r *Registry) ReclassifyAll() {
	r.queue.Post(func() {
		for id, mon := range r.monitors {
			r.classify(id, mon)
		}
		r.rerank()
	})
}

// onReselect coalesces reselection signals: while one is queued for
// delivery further signals fold into it.
func (r *Registry) onReselect(network pkg.NetworkID, verdict pkg.MetricState, state pkg.NetworkState) {
	if r.reselectPending {
		return
	}
	r.reselectPending = true
	req := ReselectionRequest{Network: network, Verdict: verdict, State: state}
	r.queue.Post(func() {
		r.reselectPending = false
		r.recordEvent(&pkg.Event{
			Type:    pkg.EventReselectionNeeded,
			Network: req.Network,
			Reason:  req.Verdict.String(),
		})
		if r.instr != nil {
			r.instr.Reselection()
		}
		if r.callbacks.OnReselectionNeeded != nil {
			r.callbacks.OnReselectionNeeded(req)
		}
		r.rerank()
	})
}

func (r *Registry) onStateChange(network pkg.NetworkID, from, to pkg.NetworkState) {
	if to == pkg.StateInPenaltyBox {
		// The history that earned the penalty is stale; post-recovery trend
		// verdicts must not regress over it.
		if h := r.histories[network]; h != nil {
			h.Reset()
		}
	}
	r.recordEvent(&pkg.Event{
		Type:    pkg.EventStateTransition,
		Network: network,
		From:    from.String(),
		To:      to.String(),
	})
	if r.instr != nil {
		r.instr.StateTransition(network, from, to)
	}
	r.rerank()
}

// rerank rebuilds the candidate ranking and publishes the status snapshot.
// Penalty-boxed networks stay visible in the status but are not eligible
// as best candidate while serving their timeout.
func (r *Registry) rerank() {
	var candidates []priority.Candidate
	statuses := make([]NetworkStatus, 0, len(r.monitors))

	for id, mon := range r.monitors {
		class := r.priorities[id]
		statuses = append(statuses, NetworkStatus{
			Record:       mon.Record(),
			State:        mon.State().String(),
			Priority:     class,
			PriorityName: pkg.PriorityClassName(class),
			Verdict:      mon.OverallVerdict().String(),
		})
		if mon.State() == pkg.StateInPenaltyBox {
			continue
		}
		candidates = append(candidates, priority.Candidate{
			Record:   mon.Record(),
			State:    mon.State(),
			Priority: class,
		})
	}
	priority.SortCandidates(candidates)

	var best *priority.Candidate
	if len(candidates) > 0 {
		best = &candidates[0]
	}

	status := Status{Networks: statuses, UpdatedAt: time.Now()}
	if best != nil {
		for i := range statuses {
			if statuses[i].Record.Network == best.Record.Network {
				status.Best = &statuses[i]
				break
			}
		}
	}
	r.statusMu.Lock()
	r.status = status
	r.statusMu.Unlock()

	changed := false
	switch {
	case best == nil && r.hasBest:
		r.hasBest = false
		changed = true
	case best != nil && (!r.hasBest || r.bestID != best.Record.Network):
		r.hasBest = true
		r.bestID = best.Record.Network
		changed = true
	}
	if !changed {
		return
	}

	if best != nil {
		r.recordEvent(&pkg.Event{
			Type:    pkg.EventBestChanged,
			Network: best.Record.Network,
			Reason:  pkg.PriorityClassName(best.Priority),
		})
		r.logger.Info("best candidate changed",
			"network", best.Record.Network, "priority", pkg.PriorityClassName(best.Priority))
	} else {
		r.recordEvent(&pkg.Event{Type: pkg.EventBestChanged, Reason: "no candidates"})
		r.logger.Warn("no usable candidate network remains")
	}
	if r.callbacks.OnBestNetworkChanged != nil {
		r.callbacks.OnBestNetworkChanged(best)
	}
}

func (r *Registry) recordEvent(ev *pkg.Event) {
	r.eventSeq++
	ev.ID = fmt.Sprintf("evt-%d", r.eventSeq)
	ev.Timestamp = time.Now()
	if r.telemetry != nil {
		r.telemetry.AddEvent(ev)
	}
}

// GetStatus returns the latest published snapshot.
func (r *Registry) GetStatus() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// BestNetwork returns the current top-ranked candidate.
func (r *Registry) BestNetwork() (NetworkStatus, bool) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	if r.status.Best == nil {
		return NetworkStatus{}, false
	}
	return *r.status.Best, true
}

// Close stops source consumption and the queue. Monitors are torn down so
// no timers fire after Close returns.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
	if r.cancel != nil {
		r.cancel()
	}
	r.sources.Wait()
	r.queue.PostAndWait(func() {
		for _, mon := range r.monitors {
			mon.Teardown()
		}
	})
	r.queue.Close()
}
