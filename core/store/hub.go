package store

import (
	"context"
	"sync"

	"github.com/kabili207/sosmesh-go/core/message"
)

type subscriber struct {
	ch chan Snapshot
}

// Hub fans snapshots out to observers. Each observer has a one-slot
// mailbox; publishing replaces whatever the observer has not yet read.
//
// Publish calls must be serialized by the caller in mutation order so an
// older snapshot never replaces a newer one.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	done   chan struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers an observer primed with initial. The returned channel
// is closed when ctx is done or the hub is closed.
func (h *Hub) Subscribe(ctx context.Context, initial Snapshot) <-chan Snapshot {
	sub := &subscriber{ch: make(chan Snapshot, 1)}
	sub.ch <- initial

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-h.done:
		}
		h.remove(sub)
	}()
	return sub.ch
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// HasSubscribers reports whether anyone is observing. Stores use it to skip
// building snapshots nobody will read.
func (h *Hub) HasSubscribers() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) > 0
}

// Publish delivers msgs to every observer, replacing unread snapshots.
// Each observer receives its own copy.
func (h *Hub) Publish(msgs []*message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		snap := Snapshot{Messages: message.CloneAll(msgs)}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

// Close closes every observer channel. Later subscriptions receive their
// initial snapshot and are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
