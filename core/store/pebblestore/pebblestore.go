// Package pebblestore implements store.Store on a Pebble key-value database.
//
// Messages live under the "msg/" key prefix with CBOR-encoded values.
package pebblestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/kabili207/sosmesh-go/core/codec"
	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
)

// Compile-time assertion that Store implements store.Store.
var _ store.Store = (*Store)(nil)

var keyPrefix = []byte("msg/")

func messageKey(id string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(id))
	k = append(k, keyPrefix...)
	return append(k, id...)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Config configures the Pebble store.
type Config struct {
	// Path is the database directory. Required.
	Path string

	// Logger for store events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Store is a store.Store persisted in a Pebble database.
type Store struct {
	db  *pebble.DB
	log *slog.Logger
	hub *store.Hub

	// mu serializes mutations with snapshot publication.
	mu     sync.Mutex
	count  int
	closed bool
}

// Open opens (creating if needed) the database directory at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("pebblestore: path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:  db,
		log: log.WithGroup("pebblestore"),
		hub: store.NewHub(),
	}
	msgs, err := s.loadAll()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.count = len(msgs)
	s.log.Debug("opened message database", "path", cfg.Path, "messages", s.count)
	return s, nil
}

// InsertIfAbsent stores m unless its ID is already held.
func (s *Store) InsertIfAbsent(_ context.Context, m *message.Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	key := messageKey(m.ID)
	_, err := s.get(key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if err := s.put(key, m); err != nil {
		return false, err
	}
	s.count++
	s.publishLocked()
	return true, nil
}

// MarkAcknowledged raises the Acknowledged flag of a held message.
func (s *Store) MarkAcknowledged(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	key := messageKey(id)
	m, err := s.get(key)
	if err != nil {
		return false, err
	}
	if m.Acknowledged {
		return false, nil
	}
	m.Acknowledged = true
	if err := s.put(key, m); err != nil {
		return false, err
	}
	s.publishLocked()
	return true, nil
}

// Get returns the message with the given ID.
func (s *Store) Get(_ context.Context, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.get(messageKey(id))
}

// All returns every message ordered by recency.
func (s *Store) All(_ context.Context) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.loadAll()
}

// Count returns the number of stored messages.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return s.count, nil
}

// Observe returns a coalescing stream of snapshots.
func (s *Store) Observe(ctx context.Context) <-chan store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var initial []*message.Message
	if !s.closed {
		msgs, err := s.loadAll()
		if err != nil {
			s.log.Warn("failed to load initial snapshot", "error", err)
		}
		initial = msgs
	}
	return s.hub.Subscribe(ctx, store.Snapshot{Messages: initial})
}

// Close closes all observers and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) get(key []byte) (*message.Message, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key[len(keyPrefix):])
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	defer closer.Close()

	m, err := codec.DecodeMessage(v)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return m, nil
}

func (s *Store) put(key []byte, m *message.Message) error {
	v, err := codec.EncodeMessage(m)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, v, pebble.Sync); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Store) loadAll() ([]*message.Message, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: prefixUpperBound(keyPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("opening iterator: %w", err)
	}
	defer it.Close()

	var out []*message.Message
	for ok := it.First(); ok; ok = it.Next() {
		m, err := codec.DecodeMessage(it.Value())
		if err != nil {
			s.log.Warn("skipping unreadable record", "key", string(it.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	message.SortByRecency(out)
	return out, nil
}

// publishLocked must be called with s.mu held.
func (s *Store) publishLocked() {
	if !s.hub.HasSubscribers() {
		return
	}
	msgs, err := s.loadAll()
	if err != nil {
		s.log.Warn("failed to load snapshot", "error", err)
		return
	}
	s.hub.Publish(msgs)
}
