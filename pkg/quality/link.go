package quality

import (
	"context"
	"fmt"

	"github.com/tunnelworks/underlay/pkg"
)

// Carrier-config keys understood by the built-in metrics.
const (
	KeyWiFiEntryRSSIThreshold = "wifi_entry_rssi_threshold"
	KeyWiFiExitRSSIThreshold  = "wifi_exit_rssi_threshold"
	KeyCellEntrySignalLevel   = "cell_entry_signal_level"
	KeyCellExitSignalLevel    = "cell_exit_signal_level"
	KeyProbeTargets           = "probe_targets"
	KeyProbeMaxLatencyMS      = "probe_max_latency_ms"
	KeyTrendMinSamples        = "trend_min_samples"
	KeyTrendMaxSlopeMSPerMin  = "trend_max_slope_ms_per_min"
	KeyTrafficStallLimit      = "traffic_stall_limit"
)

// Defaults applied when the carrier config does not override a threshold.
const (
	DefaultWiFiEntryRSSI       = -70
	DefaultWiFiExitRSSI        = -74
	DefaultCellEntrySignal     = 2 // of 0..4 signal bars
	DefaultCellExitSignal      = 1
	DefaultProbeMaxLatencyMS   = 500.0
	DefaultTrendMinSamples     = 5
	DefaultTrendMaxSlopeMSPerM = 50.0
	DefaultTrafficStallLimit   = 3
)

// SignalReader reads the current signal strength for a network. For Wi-Fi
// the value is RSSI in dBm; for cellular it is a 0..4 signal level.
type SignalReader interface {
	ReadSignal(ctx context.Context, record pkg.NetworkRecord) (int, error)
}

// NewSignalStrengthMetric builds the link-kind signal-strength metric for
// the given network. Entry/exit thresholds give the check hysteresis: a
// network must exceed the entry threshold to become acceptable and only
// drops back once it falls below the exit threshold. The metric is
// inapplicable for transports without a signal-strength notion; the
// transport set is fixed for a network's lifetime, so applicability is
// decided once at construction.
func NewSignalStrengthMetric(holder *RecordHolder, reader SignalReader, carrier pkg.CarrierConfig, opts Options) *Metric {
	record := holder.Get()
	var entry, exit int
	applicable := true
	switch {
	case record.Caps.HasTransport(pkg.TransportWiFi):
		entry = carrier.GetInt(KeyWiFiEntryRSSIThreshold, DefaultWiFiEntryRSSI)
		exit = carrier.GetInt(KeyWiFiExitRSSIThreshold, DefaultWiFiExitRSSI)
	case record.Caps.HasTransport(pkg.TransportCellular):
		entry = carrier.GetInt(KeyCellEntrySignalLevel, DefaultCellEntrySignal)
		exit = carrier.GetInt(KeyCellExitSignalLevel, DefaultCellExitSignal)
	default:
		applicable = false
	}

	var lastAcceptable bool
	evaluate := func(ctx context.Context) (pkg.MetricState, error) {
		if reader == nil {
			return pkg.MetricNotApplicable, nil
		}
		signal, err := reader.ReadSignal(ctx, holder.Get())
		if err != nil {
			return pkg.MetricNotApplicable, fmt.Errorf("read signal for network %d: %w", record.Network, err)
		}

		threshold := entry
		if lastAcceptable {
			threshold = exit
		}
		lastAcceptable = signal >= threshold
		if lastAcceptable {
			return pkg.MetricAcceptable, nil
		}
		return pkg.MetricNotAcceptable, nil
	}

	name := fmt.Sprintf("net%d/signal", record.Network)
	return NewMetric(name, pkg.MetricKindLink, applicable, evaluate, opts)
}

// NewSuspendedMetric builds a link-kind metric that fails a network whose
// capabilities report it as suspended (attached but temporarily unable to
// carry traffic).
func NewSuspendedMetric(holder *RecordHolder, opts Options) *Metric {
	evaluate := func(ctx context.Context) (pkg.MetricState, error) {
		if holder.Get().Caps.Suspended {
			return pkg.MetricNotAcceptable, nil
		}
		return pkg.MetricAcceptable, nil
	}
	name := fmt.Sprintf("net%d/suspended", holder.Get().Network)
	return NewMetric(name, pkg.MetricKindLink, true, evaluate, opts)
}
