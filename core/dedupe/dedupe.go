// Package dedupe remembers recently merged batch payloads so identical
// batches arriving from several peers are only merged once.
//
// Payloads are identified by an 8-byte truncated BLAKE2b-256 hash kept in a
// fixed-size circular buffer; the oldest entry is overwritten when full.
package dedupe

import (
	"sync"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultCapacity is the default number of remembered payload hashes.
	DefaultCapacity = 128
	// HashSize is the truncated hash size used for deduplication.
	HashSize = 8
)

// Hash identifies a payload.
type Hash [HashSize]byte

// Deduplicator tracks recently seen payload hashes. It is safe for
// concurrent use.
type Deduplicator struct {
	mu       sync.Mutex
	hashes   []Hash
	index    map[Hash]int
	next     int
	capacity int
}

// New creates a Deduplicator with DefaultCapacity.
func New() *Deduplicator {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Deduplicator remembering up to capacity hashes.
func NewWithCapacity(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduplicator{
		hashes:   make([]Hash, 0, capacity),
		index:    make(map[Hash]int, capacity),
		capacity: capacity,
	}
}

// Contains reports whether h was recorded and not yet evicted.
func (d *Deduplicator) Contains(h Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[h]
	return ok
}

// Add records h, evicting the oldest hash if the buffer is full.
func (d *Deduplicator) Add(h Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[h]; ok {
		return
	}
	if len(d.hashes) < d.capacity {
		d.index[h] = len(d.hashes)
		d.hashes = append(d.hashes, h)
		return
	}

	delete(d.index, d.hashes[d.next])
	d.hashes[d.next] = h
	d.index[h] = d.next
	d.next = (d.next + 1) % d.capacity
}

// HasSeen records data and reports whether it had already been recorded.
func (d *Deduplicator) HasSeen(data []byte) bool {
	h := Sum(data)
	if d.Contains(h) {
		return true
	}
	d.Add(h)
	return false
}

// Len returns the number of remembered hashes.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}

// Clear forgets all previously seen payloads.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hashes = d.hashes[:0]
	clear(d.index)
	d.next = 0
}

// Sum computes the deduplication hash of data.
func Sum(data []byte) Hash {
	sum := blake2b.Sum256(data)
	var h Hash
	copy(h[:], sum[:HashSize])
	return h
}
