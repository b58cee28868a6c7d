// Package storetest provides a behavioural test suite shared by every
// store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
)

// Factory creates a fresh, empty store for one subtest. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertDuplicate", testInsertDuplicate},
		{"InsertInvalid", testInsertInvalid},
		{"GetMissing", testGetMissing},
		{"MarkAcknowledged", testMarkAcknowledged},
		{"AllOrdering", testAllOrdering},
		{"ReturnsCopies", testReturnsCopies},
		{"ObserveInitial", testObserveInitial},
		{"ObserveMutations", testObserveMutations},
		{"ObserveCoalesces", testObserveCoalesces},
		{"ObserveCancel", testObserveCancel},
		{"CloseEndsObservers", testCloseEndsObservers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func floatPtr(f float64) *float64 { return &f }

func sample(id string, createdAt int64) *message.Message {
	return &message.Message{
		ID:       id,
		OriginID: "origin-" + id,
		Payload: message.Payload{
			Text:      "help " + id,
			Category:  message.CategorySOS,
			Latitude:  floatPtr(-33.86),
			Longitude: floatPtr(151.21),
			Equipment: "first aid kit",
		},
		CreatedAt: createdAt,
		HopCount:  2,
	}
}

func mustInsert(t *testing.T, s store.Store, m *message.Message) {
	t.Helper()
	ok, err := s.InsertIfAbsent(context.Background(), m)
	if err != nil {
		t.Fatalf("InsertIfAbsent(%s) error = %v", m.ID, err)
	}
	if !ok {
		t.Fatalf("InsertIfAbsent(%s) = false, want true", m.ID)
	}
}

func receive(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("observer channel closed unexpectedly")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return store.Snapshot{}
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := sample("a", 100)
	m.LocallyAuthored = true
	mustInsert(t, s, m)

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "a" || got.OriginID != "origin-a" || got.CreatedAt != 100 || got.HopCount != 2 {
		t.Errorf("Get() = %+v", got)
	}
	if got.Payload.Text != "help a" || got.Payload.Category != message.CategorySOS || got.Payload.Equipment != "first aid kit" {
		t.Errorf("Payload = %+v", got.Payload)
	}
	if !got.Payload.HasLocation() || *got.Payload.Latitude != -33.86 || *got.Payload.Longitude != 151.21 {
		t.Errorf("location = %v,%v", got.Payload.Latitude, got.Payload.Longitude)
	}
	if !got.LocallyAuthored || got.Acknowledged {
		t.Errorf("flags = %v/%v, want true/false", got.LocallyAuthored, got.Acknowledged)
	}

	n, err := s.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count() = %d, %v, want 1", n, err)
	}
}

func testInsertDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustInsert(t, s, sample("a", 100))

	dup := sample("a", 100)
	dup.HopCount = 9
	dup.Payload.Text = "changed"
	ok, err := s.InsertIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("InsertIfAbsent(dup) error = %v", err)
	}
	if ok {
		t.Error("InsertIfAbsent(dup) = true, want false")
	}

	got, _ := s.Get(ctx, "a")
	if got.HopCount != 2 || got.Payload.Text != "help a" {
		t.Errorf("duplicate insert rewrote the message: %+v", got)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func testInsertInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	bad := []*message.Message{
		{OriginID: "o"},
		{ID: "x"},
		{ID: "x", OriginID: "o", HopCount: -1},
	}
	for _, m := range bad {
		if ok, err := s.InsertIfAbsent(ctx, m); err == nil || ok {
			t.Errorf("InsertIfAbsent(%+v) = %v, %v, want error", m, ok, err)
		}
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func testMarkAcknowledged(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustInsert(t, s, sample("a", 1))

	changed, err := s.MarkAcknowledged(ctx, "a")
	if err != nil || !changed {
		t.Fatalf("MarkAcknowledged() = %v, %v, want true", changed, err)
	}
	changed, err = s.MarkAcknowledged(ctx, "a")
	if err != nil || changed {
		t.Errorf("second MarkAcknowledged() = %v, %v, want false", changed, err)
	}

	got, _ := s.Get(ctx, "a")
	if !got.Acknowledged {
		t.Error("Acknowledged = false after MarkAcknowledged")
	}
	if got.HopCount != 2 {
		t.Errorf("HopCount = %d, want 2", got.HopCount)
	}

	if _, err := s.MarkAcknowledged(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkAcknowledged(missing) error = %v, want ErrNotFound", err)
	}
}

func testAllOrdering(t *testing.T, s store.Store) {
	mustInsert(t, s, sample("b", 10))
	mustInsert(t, s, sample("c", 30))
	mustInsert(t, s, sample("a", 10))
	mustInsert(t, s, sample("d", 20))

	all, err := s.All(context.Background())
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	want := []string{"c", "d", "a", "b"}
	if len(all) != len(want) {
		t.Fatalf("All() returned %d messages, want %d", len(all), len(want))
	}
	for i, m := range all {
		if m.ID != want[i] {
			t.Errorf("All()[%d] = %s, want %s", i, m.ID, want[i])
		}
	}
}

func testReturnsCopies(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := sample("a", 1)
	mustInsert(t, s, m)
	m.HopCount = 50

	got, _ := s.Get(ctx, "a")
	got.HopCount = 99
	*got.Payload.Latitude = 0

	again, _ := s.Get(ctx, "a")
	if again.HopCount != 2 || *again.Payload.Latitude != -33.86 {
		t.Errorf("store content changed through a returned or inserted pointer: %+v", again)
	}
}

func testObserveInitial(t *testing.T, s store.Store) {
	mustInsert(t, s, sample("a", 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := receive(t, s.Observe(ctx))
	if snap.Len() != 1 || snap.Messages[0].ID != "a" {
		t.Errorf("initial snapshot = %+v, want [a]", snap.Messages)
	}
}

func testObserveMutations(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Observe(ctx)
	if snap := receive(t, ch); snap.Len() != 0 {
		t.Fatalf("initial snapshot has %d messages, want 0", snap.Len())
	}

	mustInsert(t, s, sample("a", 1))
	if snap := receive(t, ch); snap.Len() != 1 {
		t.Errorf("snapshot after insert has %d messages, want 1", snap.Len())
	}

	if _, err := s.MarkAcknowledged(context.Background(), "a"); err != nil {
		t.Fatalf("MarkAcknowledged() error = %v", err)
	}
	snap := receive(t, ch)
	if snap.Len() != 1 || !snap.Messages[0].Acknowledged {
		t.Errorf("snapshot after ack = %+v, want acknowledged", snap.Messages)
	}

	// A duplicate insert changes nothing and publishes nothing.
	if ok, _ := s.InsertIfAbsent(context.Background(), sample("a", 1)); ok {
		t.Fatal("duplicate insert reported true")
	}
	select {
	case snap := <-ch:
		t.Errorf("unexpected snapshot after no-op insert: %d messages", snap.Len())
	case <-time.After(50 * time.Millisecond):
	}
}

func testObserveCoalesces(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Observe(ctx)
	receive(t, ch)

	for _, id := range []string{"a", "b", "c"} {
		mustInsert(t, s, sample(id, 1))
	}

	snap := receive(t, ch)
	if snap.Len() != 3 {
		t.Errorf("coalesced snapshot has %d messages, want 3", snap.Len())
	}
	select {
	case extra := <-ch:
		t.Errorf("stale snapshot queued behind the newest: %d messages", extra.Len())
	case <-time.After(50 * time.Millisecond):
	}
}

func testObserveCancel(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Observe(ctx)
	receive(t, ch)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("observer channel not closed after cancel")
		}
	}
}

func testCloseEndsObservers(t *testing.T, s store.Store) {
	ch := s.Observe(context.Background())
	receive(t, ch)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("observer received a snapshot after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer channel not closed after Close")
	}
}
