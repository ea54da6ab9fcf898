// Package priority classifies network records into priority classes for
// candidate ranking. Classification is a pure function of its inputs and is
// safe to call concurrently.
package priority

import (
	"sort"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
)

// Config is the classification context: the subscription group the tunnel
// serves and the telephony snapshot to resolve subscriptions against.
type Config struct {
	SubscriptionGroup string
	Snapshot          pkg.TelephonySnapshot
	Logger            *logx.Logger
}

// CalculatePriorityClass ranks a record into a priority class, lower being
// better. Rules apply in strict order, first match wins:
//
//  1. blocked networks rank last (and should have been filtered upstream);
//  2. opportunistic cellular ranks first, unless granting it would fight
//     the active data subscription within the same subscription group;
//  3. validated Wi-Fi;
//  4. macro cellular;
//  5. everything else ranks last.
func CalculatePriorityClass(record pkg.NetworkRecord, validated bool, cfg Config) int {
	if record.Blocked {
		if cfg.Logger != nil {
			cfg.Logger.Warn("blocked network reached the classifier, ranking last",
				"network", record.Network)
		}
		return pkg.PriorityAny
	}

	cellular := record.Caps.HasTransport(pkg.TransportCellular)

	if cellular && isOpportunistic(record.Caps.SubscriptionID, cfg) {
		if opportunisticGrantAllowed(record.Caps.SubscriptionID, cfg) {
			return pkg.PriorityOpportunisticCellular
		}
		// Fall through: competing with the active data subscription in the
		// same group would thrash the modem between subscriptions.
	}

	if record.Caps.HasTransport(pkg.TransportWiFi) && validated {
		return pkg.PriorityWiFi
	}

	if cellular {
		return pkg.PriorityMacroCellular
	}

	return pkg.PriorityAny
}

// isOpportunistic resolves the subscription against the snapshot. A missing
// snapshot is an internal-consistency error and fails closed toward the
// less aggressive classification.
func isOpportunistic(subscriptionID int, cfg Config) bool {
	if cfg.Snapshot == nil {
		if cfg.Logger != nil {
			cfg.Logger.Wtf("nil telephony snapshot passed to classifier, treating subscription as not opportunistic",
				"subscription", subscriptionID)
		}
		return false
	}
	if subscriptionID == pkg.SubscriptionIDNone {
		return false
	}
	return cfg.Snapshot.IsOpportunistic(subscriptionID)
}

// opportunisticGrantAllowed guards against fighting the active cellular
// data subscription: the grant is allowed only when the active data
// subscription is outside this classifier's subscription group, or when
// this opportunistic subscription is itself the active one.
func opportunisticGrantAllowed(subscriptionID int, cfg Config) bool {
	active := cfg.Snapshot.ActiveDataSubscriptionID()
	if active == subscriptionID {
		return true
	}
	for _, id := range cfg.Snapshot.SubscriptionIDsInGroup(cfg.SubscriptionGroup) {
		if id == active {
			return false
		}
	}
	return true
}

// Candidate pairs a record with its computed priority class.
type Candidate struct {
	Record   pkg.NetworkRecord
	State    pkg.NetworkState
	Priority int
}

// SortCandidates orders candidates ascending by priority class. Ties keep
// their relative order; this layer does not break them further.
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
}
