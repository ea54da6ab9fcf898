package pkg

import (
	"fmt"
	"sort"
)

// Capabilities is the capability snapshot of one network.
type Capabilities struct {
	Transports     []Transport `json:"transports"`
	SubscriptionID int         `json:"subscription_id"`
	Validated      bool        `json:"validated"`
	Suspended      bool        `json:"suspended"`
	Roaming        bool        `json:"roaming"`
}

// HasTransport reports whether the capability set includes the transport.
func (c Capabilities) HasTransport(t Transport) bool {
	for _, have := range c.Transports {
		if have == t {
			return true
		}
	}
	return false
}

// Equal reports structural equality.
func (c Capabilities) Equal(other Capabilities) bool {
	if c.SubscriptionID != other.SubscriptionID ||
		c.Validated != other.Validated ||
		c.Suspended != other.Suspended ||
		c.Roaming != other.Roaming ||
		len(c.Transports) != len(other.Transports) {
		return false
	}
	for i := range c.Transports {
		if c.Transports[i] != other.Transports[i] {
			return false
		}
	}
	return true
}

// LinkProperties is the link-layer property snapshot of one network. The
// monitoring engine treats it as pass-through data.
type LinkProperties struct {
	Addresses []string `json:"addresses,omitempty"`
	Routes    []string `json:"routes,omitempty"`
	MTU       int      `json:"mtu,omitempty"`
}

// Equal reports structural equality.
func (p LinkProperties) Equal(other LinkProperties) bool {
	if p.MTU != other.MTU ||
		len(p.Addresses) != len(other.Addresses) ||
		len(p.Routes) != len(other.Routes) {
		return false
	}
	for i := range p.Addresses {
		if p.Addresses[i] != other.Addresses[i] {
			return false
		}
	}
	for i := range p.Routes {
		if p.Routes[i] != other.Routes[i] {
			return false
		}
	}
	return true
}

// NetworkRecord is an immutable snapshot of one candidate network. Updates
// supersede the record as a whole; fields are never mutated in place.
type NetworkRecord struct {
	Network NetworkID      `json:"network"`
	Caps    Capabilities   `json:"capabilities"`
	Props   LinkProperties `json:"link_properties"`
	Blocked bool           `json:"blocked"`
}

// Equal reports structural equality over all fields.
func (r NetworkRecord) Equal(other NetworkRecord) bool {
	return r.Network == other.Network &&
		r.Blocked == other.Blocked &&
		r.Caps.Equal(other.Caps) &&
		r.Props.Equal(other.Props)
}

// RecordBuilder accumulates the partial updates that make up a network
// record. Capabilities, link properties and blocked status arrive as
// separate events; Build only yields a record once all three have been set.
type RecordBuilder struct {
	network NetworkID
	caps    *Capabilities
	props   *LinkProperties
	blocked *bool
}

// NewRecordBuilder creates a builder for the given network.
func NewRecordBuilder(network NetworkID) *RecordBuilder {
	return &RecordBuilder{network: network}
}

// Network returns the network the builder is accumulating state for.
func (b *RecordBuilder) Network() NetworkID {
	return b.network
}

// SetCapabilities records the latest capability snapshot. Transports are
// normalized to a sorted order so record equality is order-insensitive.
func (b *RecordBuilder) SetCapabilities(caps Capabilities) *RecordBuilder {
	caps.Transports = append([]Transport(nil), caps.Transports...)
	sort.Slice(caps.Transports, func(i, j int) bool {
		return caps.Transports[i] < caps.Transports[j]
	})
	b.caps = &caps
	return b
}

// SetLinkProperties records the latest link-property snapshot.
func (b *RecordBuilder) SetLinkProperties(props LinkProperties) *RecordBuilder {
	props.Addresses = append([]string(nil), props.Addresses...)
	props.Routes = append([]string(nil), props.Routes...)
	b.props = &props
	return b
}

// SetBlocked records the latest blocked status.
func (b *RecordBuilder) SetBlocked(blocked bool) *RecordBuilder {
	b.blocked = &blocked
	return b
}

// Complete reports whether every required field has been set at least once.
func (b *RecordBuilder) Complete() bool {
	return b.caps != nil && b.props != nil && b.blocked != nil
}

// Build returns the immutable record, or an error naming the missing fields.
func (b *RecordBuilder) Build() (NetworkRecord, error) {
	if !b.Complete() {
		missing := ""
		if b.caps == nil {
			missing += " capabilities"
		}
		if b.props == nil {
			missing += " link-properties"
		}
		if b.blocked == nil {
			missing += " blocked-status"
		}
		return NetworkRecord{}, fmt.Errorf("network %d record incomplete, missing:%s", b.network, missing)
	}
	return NetworkRecord{
		Network: b.network,
		Caps:    *b.caps,
		Props:   *b.props,
		Blocked: *b.blocked,
	}, nil
}
