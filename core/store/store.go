// Package store defines the message store consumed by the gossip engine and
// provides an in-memory implementation.
//
// A store is a set of messages keyed by ID. Entries are inserted once and
// never deleted; the only permitted update raises the Acknowledged flag.
// Every store offers a live, coalescing view of its full content through
// Observe.
package store

import (
	"context"
	"errors"

	"github.com/kabili207/sosmesh-go/core/message"
)

var (
	ErrNotFound = errors.New("store: message not found")
	ErrClosed   = errors.New("store: closed")
)

// Snapshot is the full message set at one point in time, ordered by
// recency (CreatedAt descending, ID ascending). Receivers own the messages.
type Snapshot struct {
	Messages []*message.Message
}

// Len returns the number of messages in the snapshot.
func (s Snapshot) Len() int { return len(s.Messages) }

// Store is the authoritative message set of one device.
type Store interface {
	// InsertIfAbsent stores m unless a message with the same ID is already
	// held. It reports whether m was inserted.
	InsertIfAbsent(ctx context.Context, m *message.Message) (bool, error)

	// MarkAcknowledged raises the Acknowledged flag of the message with the
	// given ID. It reports whether the flag changed and returns ErrNotFound
	// for unknown IDs.
	MarkAcknowledged(ctx context.Context, id string) (bool, error)

	// Get returns the message with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*message.Message, error)

	// All returns every message ordered by recency.
	All(ctx context.Context) ([]*message.Message, error)

	// Count returns the number of stored messages.
	Count(ctx context.Context) (int, error)

	// Observe returns a channel that receives the current snapshot
	// immediately and a fresh snapshot after every mutation. The channel
	// holds at most one pending snapshot; a newer one replaces an unread
	// older one. It is closed when ctx is done or the store is closed.
	Observe(ctx context.Context) <-chan Snapshot

	// Close releases the store's resources and closes all observers.
	Close() error
}
