package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/kabili207/sosmesh-go/core/message"
)

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store. Content is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*message.Message
	closed   bool
	hub      *Hub
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*message.Message),
		hub:      NewHub(),
	}
}

// InsertIfAbsent stores a copy of m unless its ID is already held.
func (s *MemoryStore) InsertIfAbsent(_ context.Context, m *message.Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.messages[m.ID]; ok {
		return false, nil
	}
	s.messages[m.ID] = m.Clone()
	s.publishLocked()
	return true, nil
}

// MarkAcknowledged raises the Acknowledged flag of a held message.
func (s *MemoryStore) MarkAcknowledged(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.Acknowledged {
		return false, nil
	}
	m.Acknowledged = true
	s.publishLocked()
	return true, nil
}

// Get returns a copy of the message with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

// All returns copies of every message ordered by recency.
func (s *MemoryStore) All(_ context.Context) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.sortedLocked(), nil
}

// Count returns the number of stored messages.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.messages), nil
}

// Observe returns a coalescing stream of snapshots.
func (s *MemoryStore) Observe(ctx context.Context) <-chan Snapshot {
	// Hold the write lock so no mutation slips between the initial snapshot
	// and registration.
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.Subscribe(ctx, Snapshot{Messages: s.sortedLocked()})
}

// Close closes all observers. Later operations return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.hub.Close()
	return nil
}

func (s *MemoryStore) sortedLocked() []*message.Message {
	out := make([]*message.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	message.SortByRecency(out)
	return out
}

// publishLocked must be called with s.mu held for writing.
func (s *MemoryStore) publishLocked() {
	if !s.hub.HasSubscribers() {
		return
	}
	s.hub.Publish(s.sortedLocked())
}
