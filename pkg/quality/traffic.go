package quality

import (
	"context"
	"fmt"

	"github.com/tunnelworks/underlay/pkg"
)

// TrafficStats is a byte-counter snapshot for a network.
type TrafficStats struct {
	TxBytes uint64
	RxBytes uint64
}

// TrafficStatsReader reads the current traffic counters of a network.
type TrafficStatsReader interface {
	ReadTrafficStats(ctx context.Context, record pkg.NetworkRecord) (TrafficStats, error)
}

// NewTrafficFlowMetric builds the traffic-flow metric: while the network is
// carrying traffic, outbound bytes without any inbound bytes for several
// consecutive evaluations indicate a stalled path. The stall limit comes
// from carrier config.
func NewTrafficFlowMetric(holder *RecordHolder, reader TrafficStatsReader, carrier pkg.CarrierConfig, opts Options) *Metric {
	stallLimit := carrier.GetInt(KeyTrafficStallLimit, DefaultTrafficStallLimit)
	network := holder.Get().Network

	var (
		havePrev     bool
		prev         TrafficStats
		stalledCount int
	)

	evaluate := func(ctx context.Context) (pkg.MetricState, error) {
		if reader == nil {
			return pkg.MetricNotApplicable, nil
		}
		stats, err := reader.ReadTrafficStats(ctx, holder.Get())
		if err != nil {
			return pkg.MetricNotApplicable, fmt.Errorf("read traffic stats for network %d: %w", network, err)
		}

		if !havePrev {
			havePrev = true
			prev = stats
			return pkg.MetricNotApplicable, nil
		}

		// Counters restarting below the last sample mean the interface
		// bounced; the deltas would wrap, so reseed the baseline instead of
		// judging this sample.
		if stats.TxBytes < prev.TxBytes || stats.RxBytes < prev.RxBytes {
			prev = stats
			stalledCount = 0
			return pkg.MetricNotApplicable, nil
		}

		txDelta := stats.TxBytes - prev.TxBytes
		rxDelta := stats.RxBytes - prev.RxBytes
		prev = stats

		switch {
		case txDelta == 0 && rxDelta == 0:
			// Idle path, nothing to judge.
			stalledCount = 0
			return pkg.MetricAcceptable, nil
		case txDelta > 0 && rxDelta == 0:
			stalledCount++
			if stalledCount >= stallLimit {
				return pkg.MetricNotAcceptable, nil
			}
			return pkg.MetricAcceptable, nil
		default:
			stalledCount = 0
			return pkg.MetricAcceptable, nil
		}
	}

	name := fmt.Sprintf("net%d/traffic-flow", network)
	return NewMetric(name, pkg.MetricKindTrafficFlow, true, evaluate, opts)
}
