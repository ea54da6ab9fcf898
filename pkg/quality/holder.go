package quality

import "github.com/tunnelworks/underlay/pkg"

// RecordHolder hands metrics the current record for their network. Records
// are immutable and superseded on every capability or property update, so
// evaluators must read through the holder instead of capturing the snapshot
// they were constructed with. Access is confined to the owning queue
// goroutine.
type RecordHolder struct {
	record pkg.NetworkRecord
}

// NewRecordHolder creates a holder seeded with the network's first record.
func NewRecordHolder(record pkg.NetworkRecord) *RecordHolder {
	return &RecordHolder{record: record}
}

// Get returns the latest record.
func (h *RecordHolder) Get() pkg.NetworkRecord { return h.record }

// Set replaces the record with a superseding snapshot.
func (h *RecordHolder) Set(record pkg.NetworkRecord) { h.record = record }
