// Package metrics exposes Prometheus instrumentation for the monitoring
// engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tunnelworks/underlay/pkg"
)

// Instrumentation aggregates the engine's Prometheus collectors. It
// implements quality.Observer for evaluation timing.
type Instrumentation struct {
	stateTransitions *prometheus.CounterVec
	reselections     prometheus.Counter
	networkState     *prometheus.GaugeVec
	networkPriority  *prometheus.GaugeVec
	trackedNetworks  prometheus.Gauge
	evaluations      *prometheus.CounterVec
	evalDuration     prometheus.Histogram
}

// New registers the collectors with the given registerer (use
// prometheus.DefaultRegisterer in the daemon).
func New(reg prometheus.Registerer) *Instrumentation {
	factory := promauto.With(reg)
	return &Instrumentation{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "underlay_state_transitions_total",
			Help: "Network lifecycle state transitions.",
		}, []string{"network", "from", "to"}),
		reselections: factory.NewCounter(prometheus.CounterOpts{
			Name: "underlay_reselections_total",
			Help: "Reselection-needed signals raised by monitors.",
		}),
		networkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "underlay_network_state",
			Help: "Current lifecycle state per network (0=background 1=prospective 2=active 3=penalty-box).",
		}, []string{"network"}),
		networkPriority: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "underlay_network_priority_class",
			Help: "Current priority class per network, lower is better.",
		}, []string{"network"}),
		trackedNetworks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "underlay_tracked_networks",
			Help: "Number of networks currently monitored.",
		}),
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "underlay_metric_evaluations_total",
			Help: "Metric evaluations by result.",
		}, []string{"metric", "result"}),
		evalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "underlay_metric_evaluation_seconds",
			Help:    "Metric evaluation duration.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}

// StateTransition records a committed transition.
func (i *Instrumentation) StateTransition(network pkg.NetworkID, from, to pkg.NetworkState) {
	label := strconv.FormatUint(uint64(network), 10)
	i.stateTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	i.networkState.WithLabelValues(label).Set(float64(to))
}

// Reselection records a reselection-needed signal.
func (i *Instrumentation) Reselection() {
	i.reselections.Inc()
}

// PriorityClass records the latest classification for a network.
func (i *Instrumentation) PriorityClass(network pkg.NetworkID, class int) {
	i.networkPriority.WithLabelValues(strconv.FormatUint(uint64(network), 10)).Set(float64(class))
}

// TrackedNetworks records the monitored-network count.
func (i *Instrumentation) TrackedNetworks(n int) {
	i.trackedNetworks.Set(float64(n))
}

// NetworkForgotten drops the per-network series for a lost network.
func (i *Instrumentation) NetworkForgotten(network pkg.NetworkID) {
	label := strconv.FormatUint(uint64(network), 10)
	i.networkState.DeleteLabelValues(label)
	i.networkPriority.DeleteLabelValues(label)
}

// EvaluationCompleted implements quality.Observer.
func (i *Instrumentation) EvaluationCompleted(metric string, result pkg.MetricState, elapsed time.Duration) {
	i.evaluations.WithLabelValues(metric, result.String()).Inc()
	i.evalDuration.Observe(elapsed.Seconds())
}
