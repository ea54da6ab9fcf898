// Package connectivity delivers candidate-network updates to the registry.
// The engine never scans for networks itself; a Source adapts whatever the
// host platform provides (netlink, a modem stack, a test fixture) into the
// update stream.
package connectivity

import (
	"context"
	"sync"

	"github.com/tunnelworks/underlay/pkg"
)

// UpdateKind discriminates the update variants.
type UpdateKind int

const (
	UpdateCapabilities UpdateKind = iota
	UpdateProperties
	UpdateBlockedStatus
	UpdateLost
)

// String returns the kind name.
func (k UpdateKind) String() string {
	switch k {
	case UpdateCapabilities:
		return "capabilities"
	case UpdateProperties:
		return "properties"
	case UpdateBlockedStatus:
		return "blocked-status"
	case UpdateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Update is one connectivity event for one network. Exactly the field
// matching Kind is set.
type Update struct {
	Kind    UpdateKind
	Network pkg.NetworkID
	Caps    *pkg.Capabilities
	Props   *pkg.LinkProperties
	Blocked *bool
}

// Source is a stream of connectivity updates.
type Source interface {
	// Updates returns the event channel. The channel is closed when the
	// source stops.
	Updates() <-chan Update

	// Start begins delivering updates until ctx is cancelled.
	Start(ctx context.Context) error

	// Close releases the source.
	Close() error
}

// StaticSource is a manually driven source for embedding and tests.
type StaticSource struct {
	mu      sync.Mutex
	updates chan Update
	closed  bool
}

// NewStaticSource creates a source with a buffered update channel.
func NewStaticSource() *StaticSource {
	return &StaticSource{updates: make(chan Update, 64)}
}

// Updates returns the event channel.
func (s *StaticSource) Updates() <-chan Update { return s.updates }

// Start is a no-op; StaticSource delivers whatever the caller emits.
func (s *StaticSource) Start(ctx context.Context) error { return nil }

// Close closes the update channel.
func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	return nil
}

// Emit delivers an update. Updates emitted after Close are dropped.
func (s *StaticSource) Emit(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.updates <- u
}

// EmitNetwork delivers the full capabilities/properties/blocked triple for
// a network, the sequence a newly tracked network produces.
func (s *StaticSource) EmitNetwork(record pkg.NetworkRecord) {
	caps := record.Caps
	props := record.Props
	blocked := record.Blocked
	s.Emit(Update{Kind: UpdateCapabilities, Network: record.Network, Caps: &caps})
	s.Emit(Update{Kind: UpdateProperties, Network: record.Network, Props: &props})
	s.Emit(Update{Kind: UpdateBlockedStatus, Network: record.Network, Blocked: &blocked})
}

// EmitLost delivers a network-lost event.
func (s *StaticSource) EmitLost(network pkg.NetworkID) {
	s.Emit(Update{Kind: UpdateLost, Network: network})
}
