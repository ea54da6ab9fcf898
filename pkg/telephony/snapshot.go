// Package telephony provides TelephonySnapshot implementations for
// deployments where subscription state comes from static configuration
// rather than a live modem stack.
package telephony

import (
	"sync"

	"github.com/tunnelworks/underlay/pkg"
)

// StaticSnapshot is an immutable, configuration-driven implementation of
// pkg.TelephonySnapshot.
type StaticSnapshot struct {
	Opportunistic map[int]bool
	Groups        map[string][]int
	ActiveDataSub int
}

// NewStaticSnapshot creates a snapshot with no subscriptions and no active
// data subscription.
func NewStaticSnapshot() *StaticSnapshot {
	return &StaticSnapshot{
		Opportunistic: make(map[int]bool),
		Groups:        make(map[string][]int),
		ActiveDataSub: pkg.SubscriptionIDNone,
	}
}

// IsOpportunistic reports whether the subscription is opportunistic.
func (s *StaticSnapshot) IsOpportunistic(subscriptionID int) bool {
	return s.Opportunistic[subscriptionID]
}

// SubscriptionIDsInGroup returns the subscriptions in the named group.
func (s *StaticSnapshot) SubscriptionIDsInGroup(group string) []int {
	return append([]int(nil), s.Groups[group]...)
}

// ActiveDataSubscriptionID returns the configured active data subscription.
func (s *StaticSnapshot) ActiveDataSubscriptionID() int {
	return s.ActiveDataSub
}

// Holder is a swappable snapshot reference. The registry reads through it
// so the embedding application can atomically publish a fresh snapshot when
// telephony state changes.
type Holder struct {
	mu   sync.RWMutex
	snap pkg.TelephonySnapshot
}

// NewHolder creates a holder around an initial snapshot (may be nil).
func NewHolder(snap pkg.TelephonySnapshot) *Holder {
	return &Holder{snap: snap}
}

// Get returns the current snapshot.
func (h *Holder) Get() pkg.TelephonySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// Set publishes a new snapshot.
func (h *Holder) Set(snap pkg.TelephonySnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap = snap
}
