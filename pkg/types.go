// Package pkg contains the shared value types and collaborator interfaces
// used across the underlay monitoring engine.
package pkg

import (
	"fmt"
	"math"
	"time"
)

// NetworkID identifies one candidate underlying network for the lifetime of
// that network. IDs are assigned by the connectivity collaborator.
type NetworkID uint64

// SubscriptionIDNone marks a network without an associated cellular
// subscription (Wi-Fi, ethernet, ...).
const SubscriptionIDNone = -1

// Transport is the physical/logical transport class of a network.
type Transport int

const (
	TransportCellular Transport = iota
	TransportWiFi
	TransportEthernet
	TransportOther
)

// String returns the transport name.
func (t Transport) String() string {
	switch t {
	case TransportCellular:
		return "cellular"
	case TransportWiFi:
		return "wifi"
	case TransportEthernet:
		return "ethernet"
	case TransportOther:
		return "other"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// ParseTransport parses a transport name as used in configuration files.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "cellular":
		return TransportCellular, nil
	case "wifi":
		return TransportWiFi, nil
	case "ethernet":
		return TransportEthernet, nil
	case "other":
		return TransportOther, nil
	default:
		return TransportOther, fmt.Errorf("unknown transport %q", s)
	}
}

// MetricState is the verdict of a single quality metric, an aggregator, or a
// whole monitor. The numeric ordering is part of the contract: when multiple
// verdicts are combined into an overall one, the minimum (most pessimistic)
// value wins.
type MetricState int

const (
	MetricNotAcceptable MetricState = iota
	MetricAcceptable
	MetricNotApplicable
)

// String returns the state name.
func (s MetricState) String() string {
	switch s {
	case MetricNotAcceptable:
		return "not-acceptable"
	case MetricAcceptable:
		return "acceptable"
	case MetricNotApplicable:
		return "not-applicable"
	default:
		return fmt.Sprintf("metric-state(%d)", int(s))
	}
}

// MetricKind tags a metric with the aggregation category it belongs to. The
// monitor's per-state enablement table switches on this tag.
type MetricKind int

const (
	MetricKindLink MetricKind = iota
	MetricKindActiveProbe
	MetricKindTrafficFlow
)

// String returns the kind name.
func (k MetricKind) String() string {
	switch k {
	case MetricKindLink:
		return "link"
	case MetricKindActiveProbe:
		return "active-probe"
	case MetricKindTrafficFlow:
		return "traffic-flow"
	default:
		return fmt.Sprintf("metric-kind(%d)", int(k))
	}
}

// MetricKinds lists all metric kinds in enablement-table order.
var MetricKinds = []MetricKind{MetricKindLink, MetricKindActiveProbe, MetricKindTrafficFlow}

// NetworkState is the lifecycle state of a monitored network.
type NetworkState int

const (
	StateBackground NetworkState = iota
	StateProspective
	StateActive
	StateInPenaltyBox
)

// String returns the state name.
func (s NetworkState) String() string {
	switch s {
	case StateBackground:
		return "background"
	case StateProspective:
		return "prospective"
	case StateActive:
		return "active"
	case StateInPenaltyBox:
		return "in-penalty-box"
	default:
		return fmt.Sprintf("network-state(%d)", int(s))
	}
}

// Priority classes, ascending (lower value is preferred when ranking
// candidates).
const (
	PriorityOpportunisticCellular = 0
	PriorityWiFi                  = 1
	PriorityMacroCellular         = 2
	PriorityAny                   = math.MaxInt32
)

// PriorityClassName returns a readable name for a priority class value.
func PriorityClassName(class int) string {
	switch class {
	case PriorityOpportunisticCellular:
		return "opportunistic-cellular"
	case PriorityWiFi:
		return "wifi"
	case PriorityMacroCellular:
		return "macro-cellular"
	case PriorityAny:
		return "any"
	default:
		return fmt.Sprintf("priority(%d)", class)
	}
}

// TelephonySnapshot is a point-in-time view of the telephony subscription
// state, supplied by the host platform.
type TelephonySnapshot interface {
	// IsOpportunistic reports whether the subscription is an opportunistic
	// (supplemental) data subscription.
	IsOpportunistic(subscriptionID int) bool

	// SubscriptionIDsInGroup returns all subscription IDs belonging to the
	// named subscription group.
	SubscriptionIDsInGroup(group string) []int

	// ActiveDataSubscriptionID returns the subscription currently carrying
	// mobile data, or SubscriptionIDNone.
	ActiveDataSubscriptionID() int
}

// WakeLock keeps the device awake while held. Acquire and Release must
// balance; locks are owned exclusively by the component that created them.
type WakeLock interface {
	Acquire()
	Release()
}

// WakeLockProvider hands out wake locks keyed by a tag string.
type WakeLockProvider interface {
	NewWakeLock(tag string) WakeLock
}

// CarrierConfig is an opaque per-operator bundle of tunable thresholds. The
// monitoring engine passes it through to metric constructors without
// interpreting it.
type CarrierConfig map[string]interface{}

// GetInt returns the integer value for key, or def when absent or of the
// wrong type.
func (c CarrierConfig) GetInt(key string, def int) int {
	if c == nil {
		return def
	}
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetFloat returns the float value for key, or def when absent or of the
// wrong type.
func (c CarrierConfig) GetFloat(key string, def float64) float64 {
	if c == nil {
		return def
	}
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// GetStrings returns the string-slice value for key, or def.
func (c CarrierConfig) GetStrings(key string, def []string) []string {
	if c == nil {
		return def
	}
	if v, ok := c[key].([]string); ok {
		return v
	}
	return def
}

// Event represents a monitoring event (state transition, reselection
// request, network arrival/loss) recorded by the telemetry store and
// published to external sinks.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Network   NetworkID              `json:"network,omitempty"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types recorded by the registry.
const (
	EventNetworkTracked    = "network_tracked"
	EventNetworkLost       = "network_lost"
	EventStateTransition   = "state_transition"
	EventReselectionNeeded = "reselection_needed"
	EventBestChanged       = "best_network_changed"
)
