package gossip

import "sync/atomic"

// Counters tracks gossip statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	SnapshotsObserved    atomic.Uint64 // Store snapshots received from the subscription
	SnapshotsSuperseded  atomic.Uint64 // Snapshots cancelled by a newer one before dispatch finished
	SnapshotsUnchanged   atomic.Uint64 // Snapshots skipped because the set matched the last dispatch
	BroadcastsDispatched atomic.Uint64 // Snapshots pushed to at least one peer
	BatchesSent          atomic.Uint64 // Individual batch sends that succeeded
	SendFailures         atomic.Uint64 // Individual batch sends that failed
	EagerSyncs           atomic.Uint64 // Full-set pushes to newly connected peers
	BatchesReceived      atomic.Uint64 // Payloads received from peers
	BatchesDuplicate     atomic.Uint64 // Payloads identical to a recently merged one
	BatchesMalformed     atomic.Uint64 // Payloads that failed to decode
	RecordsInserted      atomic.Uint64 // Messages newly learned from peers
	RecordsDuplicate     atomic.Uint64 // Messages already held
	RecordsSelf          atomic.Uint64 // Messages authored by this device, discarded
	RecordsInvalid       atomic.Uint64 // Records that failed validation
	AcksMerged           atomic.Uint64 // Acknowledged flags raised by a peer's copy
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	SnapshotsObserved    uint64
	SnapshotsSuperseded  uint64
	SnapshotsUnchanged   uint64
	BroadcastsDispatched uint64
	BatchesSent          uint64
	SendFailures         uint64
	EagerSyncs           uint64
	BatchesReceived      uint64
	BatchesDuplicate     uint64
	BatchesMalformed     uint64
	RecordsInserted      uint64
	RecordsDuplicate     uint64
	RecordsSelf          uint64
	RecordsInvalid       uint64
	AcksMerged           uint64
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		SnapshotsObserved:    c.SnapshotsObserved.Load(),
		SnapshotsSuperseded:  c.SnapshotsSuperseded.Load(),
		SnapshotsUnchanged:   c.SnapshotsUnchanged.Load(),
		BroadcastsDispatched: c.BroadcastsDispatched.Load(),
		BatchesSent:          c.BatchesSent.Load(),
		SendFailures:         c.SendFailures.Load(),
		EagerSyncs:           c.EagerSyncs.Load(),
		BatchesReceived:      c.BatchesReceived.Load(),
		BatchesDuplicate:     c.BatchesDuplicate.Load(),
		BatchesMalformed:     c.BatchesMalformed.Load(),
		RecordsInserted:      c.RecordsInserted.Load(),
		RecordsDuplicate:     c.RecordsDuplicate.Load(),
		RecordsSelf:          c.RecordsSelf.Load(),
		RecordsInvalid:       c.RecordsInvalid.Load(),
		AcksMerged:           c.AcksMerged.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.SnapshotsObserved.Store(0)
	c.SnapshotsSuperseded.Store(0)
	c.SnapshotsUnchanged.Store(0)
	c.BroadcastsDispatched.Store(0)
	c.BatchesSent.Store(0)
	c.SendFailures.Store(0)
	c.EagerSyncs.Store(0)
	c.BatchesReceived.Store(0)
	c.BatchesDuplicate.Store(0)
	c.BatchesMalformed.Store(0)
	c.RecordsInserted.Store(0)
	c.RecordsDuplicate.Store(0)
	c.RecordsSelf.Store(0)
	c.RecordsInvalid.Store(0)
	c.AcksMerged.Store(0)
}
