package gossip

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kabili207/sosmesh-go/core/codec"
	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
)

const selfID = "self-node"

type sentBatch struct {
	peer string
	msgs []*message.Message
}

// fakePeers is a PeerSender that records decoded batches.
type fakePeers struct {
	mu     sync.Mutex
	peers  []string
	sent   []sentBatch
	sendFn func(ctx context.Context, id string, data []byte) error
}

func (f *fakePeers) ConnectedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.peers...)
}

func (f *fakePeers) Send(ctx context.Context, id string, data []byte) error {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, id, data); err != nil {
			return err
		}
	}
	msgs, err := codec.DecodeBatch(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentBatch{peer: id, msgs: msgs})
	f.mu.Unlock()
	return nil
}

func (f *fakePeers) batches() []sentBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentBatch(nil), f.sent...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (r *recordingNotifier) Notify(_ context.Context, m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newTestEngine(t *testing.T, peers *fakePeers, n Notifier) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	e := NewEngine(st, peers, EngineConfig{
		SelfID:         selfID,
		BroadcastDelay: 5 * time.Millisecond,
		Notifier:       n,
	})
	t.Cleanup(e.Stop)
	return e, st
}

func remote(id, origin string, hops int) *message.Message {
	return &message.Message{
		ID:        id,
		OriginID:  origin,
		Payload:   message.Payload{Text: "help " + id},
		CreatedAt: 1000,
		HopCount:  hops,
	}
}

func encode(t *testing.T, msgs ...*message.Message) []byte {
	t.Helper()
	data, err := codec.EncodeBatch(msgs)
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEngine_Defaults(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), &fakePeers{}, EngineConfig{SelfID: "x"})
	if e.cfg.BroadcastDelay != DefaultBroadcastDelay {
		t.Errorf("BroadcastDelay = %v, want %v", e.cfg.BroadcastDelay, DefaultBroadcastDelay)
	}
	if e.Running() {
		t.Error("new engine should not be running")
	}
}

func TestMerge_InsertsWithHopAccounting(t *testing.T) {
	notes := &recordingNotifier{}
	e, st := newTestEngine(t, &fakePeers{}, notes)
	ctx := context.Background()

	in := remote("m1", "node-a", 2)
	in.LocallyAuthored = true
	res, err := e.Merge(ctx, "node-a", encode(t, in))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", res.Inserted)
	}

	got, err := st.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.HopCount != 3 {
		t.Errorf("HopCount = %d, want 3", got.HopCount)
	}
	if got.LocallyAuthored {
		t.Error("merged copy must not be locally authored")
	}
	if notes.count() != 1 {
		t.Errorf("notifications = %d, want 1", notes.count())
	}
}

func TestMerge_Idempotent(t *testing.T) {
	notes := &recordingNotifier{}
	e, st := newTestEngine(t, &fakePeers{}, notes)
	ctx := context.Background()

	batch := encode(t, remote("m1", "node-a", 0))
	if _, err := e.Merge(ctx, "a", batch); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	// Same bytes again are skipped outright.
	if _, err := e.Merge(ctx, "b", batch); !errors.Is(err, ErrDuplicateBatch) {
		t.Errorf("second Merge() error = %v, want ErrDuplicateBatch", err)
	}

	// Same message with a different hop count in a different batch.
	res, err := e.Merge(ctx, "c", encode(t, remote("m1", "node-a", 5), remote("m2", "node-a", 0)))
	if err != nil {
		t.Fatalf("third Merge() error = %v", err)
	}
	if res.Duplicates != 1 || res.Inserted != 1 {
		t.Errorf("result = %+v, want 1 duplicate and 1 insert", res)
	}

	got, _ := st.Get(ctx, "m1")
	if got.HopCount != 1 {
		t.Errorf("HopCount = %d, want 1 (first copy wins)", got.HopCount)
	}
	if n, _ := st.Count(ctx); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
	if notes.count() != 2 {
		t.Errorf("notifications = %d, want 2", notes.count())
	}
}

func TestMerge_SuppressesOwnMessages(t *testing.T) {
	notes := &recordingNotifier{}
	e, st := newTestEngine(t, &fakePeers{}, notes)
	ctx := context.Background()

	res, err := e.Merge(ctx, "a", encode(t, remote("mine", selfID, 3)))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Self != 1 || res.Inserted != 0 {
		t.Errorf("result = %+v, want one self record", res)
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if notes.count() != 0 {
		t.Error("own messages must not notify")
	}
	if e.Counters().RecordsSelf != 1 {
		t.Errorf("RecordsSelf = %d, want 1", e.Counters().RecordsSelf)
	}
}

func TestMerge_OwnMessageTakesAcknowledgement(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	ctx := context.Background()

	own := remote("mine", selfID, 0)
	own.LocallyAuthored = true
	if _, err := st.InsertIfAbsent(ctx, own); err != nil {
		t.Fatal(err)
	}

	echoed := remote("mine", selfID, 2)
	echoed.Acknowledged = true
	res, err := e.Merge(ctx, "a", encode(t, echoed))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Self != 1 || res.Acknowledged != 1 || res.Inserted != 0 {
		t.Errorf("result = %+v, want one acknowledged self record", res)
	}

	got, err := st.Get(ctx, "mine")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Acknowledged {
		t.Error("own message not acknowledged")
	}
	if got.HopCount != 0 || !got.LocallyAuthored {
		t.Errorf("own message rewritten: hops %d, local %v", got.HopCount, got.LocallyAuthored)
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if c := e.Counters(); c.RecordsSelf != 1 || c.AcksMerged != 1 {
		t.Errorf("RecordsSelf = %d, AcksMerged = %d, want 1, 1", c.RecordsSelf, c.AcksMerged)
	}
}

func TestMerge_AcknowledgedOwnMessageMissingLocally(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	ctx := context.Background()

	echoed := remote("lost", selfID, 1)
	echoed.Acknowledged = true
	if _, err := e.Merge(ctx, "a", encode(t, echoed)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestMerge_SkipsUnrelayableHopCount(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	ctx := context.Background()

	res, err := e.Merge(ctx, "a", encode(t,
		remote("far", "node-a", math.MaxInt),
		remote("near", "node-a", 1),
	))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Invalid != 1 || res.Inserted != 1 {
		t.Errorf("result = %+v, want 1 invalid and 1 inserted", res)
	}
	if _, err := st.Get(ctx, "far"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(far) error = %v, want ErrNotFound", err)
	}
	got, err := st.Get(ctx, "near")
	if err != nil || got.HopCount != 2 {
		t.Errorf("Get(near) = %+v, %v; want hop 2", got, err)
	}
}

func TestMerge_AcknowledgedFlagIsMonotone(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	ctx := context.Background()

	if _, err := e.Merge(ctx, "a", encode(t, remote("m1", "node-a", 0))); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	acked := remote("m1", "node-a", 4)
	acked.Acknowledged = true
	res, err := e.Merge(ctx, "b", encode(t, acked))
	if err != nil {
		t.Fatalf("Merge(acked) error = %v", err)
	}
	if res.Acknowledged != 1 {
		t.Errorf("Acknowledged = %d, want 1", res.Acknowledged)
	}
	got, _ := st.Get(ctx, "m1")
	if !got.Acknowledged || got.HopCount != 1 {
		t.Errorf("after ack merge = %+v, want acknowledged with hop 1", got)
	}

	// An unacknowledged copy never clears the flag.
	stale := remote("m1", "node-a", 0)
	stale.Payload.Text = "different bytes"
	if _, err := e.Merge(ctx, "c", encode(t, stale)); err != nil {
		t.Fatalf("Merge(stale) error = %v", err)
	}
	got, _ = st.Get(ctx, "m1")
	if !got.Acknowledged {
		t.Error("Acknowledged flag reverted")
	}
}

func TestMerge_NewAcknowledgedMessage(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	ctx := context.Background()

	m := remote("m1", "node-a", 0)
	m.Acknowledged = true
	if _, err := e.Merge(ctx, "a", encode(t, m)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	got, _ := st.Get(ctx, "m1")
	if !got.Acknowledged {
		t.Error("flag should be kept on first insert")
	}
}

func TestMerge_MalformedBatch(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	ctx := context.Background()

	for _, data := range [][]byte{nil, {0x00, 0x01}, {codec.BatchMagic, codec.BatchVersion, 0xFF}} {
		if _, err := e.Merge(ctx, "a", data); err == nil {
			t.Errorf("Merge(%x) should fail", data)
		}
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if got := e.Counters().BatchesMalformed; got != 3 {
		t.Errorf("BatchesMalformed = %d, want 3", got)
	}

	// Other peers are unaffected.
	if _, err := e.Merge(ctx, "b", encode(t, remote("ok", "node-b", 0))); err != nil {
		t.Errorf("Merge() after malformed batches error = %v", err)
	}
}

func TestMerge_SkipsInvalidRecords(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	ctx := context.Background()

	res, err := e.Merge(ctx, "a", encode(t,
		&message.Message{ID: "", OriginID: "node-a"},
		&message.Message{ID: "neg", OriginID: "node-a", HopCount: -3},
		remote("good", "node-a", 0),
	))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Invalid != 2 || res.Inserted != 1 {
		t.Errorf("result = %+v, want 2 invalid and 1 inserted", res)
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestHandlePayload_Merges(t *testing.T) {
	e, st := newTestEngine(t, &fakePeers{}, nil)
	e.HandlePayload("a", encode(t, remote("m1", "node-a", 0)))
	e.HandlePayload("a", []byte("garbage"))

	if n, _ := st.Count(context.Background()); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestEngine_BroadcastsOnChange(t *testing.T) {
	peers := &fakePeers{peers: []string{"p1", "p2"}}
	e, st := newTestEngine(t, peers, nil)
	e.Start(context.Background())

	m := message.New(selfID, message.Payload{Text: "help"}, 1)
	if _, err := st.InsertIfAbsent(context.Background(), m); err != nil {
		t.Fatalf("InsertIfAbsent() error = %v", err)
	}

	waitFor(t, "broadcast to both peers", func() bool { return len(peers.batches()) >= 2 })

	seen := map[string]bool{}
	for _, b := range peers.batches() {
		seen[b.peer] = true
		if len(b.msgs) != 1 || b.msgs[0].ID != m.ID || !b.msgs[0].LocallyAuthored {
			t.Errorf("batch to %s = %+v", b.peer, b.msgs)
		}
	}
	if !seen["p1"] || !seen["p2"] {
		t.Errorf("peers reached = %v, want p1 and p2", seen)
	}
	if e.Counters().BroadcastsDispatched == 0 {
		t.Error("BroadcastsDispatched = 0")
	}
}

func TestEngine_EmptyStoreSendsNothing(t *testing.T) {
	peers := &fakePeers{peers: []string{"p1"}}
	e, _ := newTestEngine(t, peers, nil)
	e.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	if n := len(peers.batches()); n != 0 {
		t.Errorf("sent %d batches for an empty store", n)
	}
}

func TestEngine_SkipsUnchangedSet(t *testing.T) {
	peers := &fakePeers{peers: []string{"p1"}}
	e, _ := newTestEngine(t, peers, nil)
	ctx := context.Background()

	snap := store.Snapshot{Messages: []*message.Message{remote("m1", "node-a", 1)}}
	e.broadcast(ctx, snap)
	e.broadcast(ctx, snap)

	if n := len(peers.batches()); n != 1 {
		t.Errorf("sent %d batches, want 1", n)
	}
	if got := e.Counters().SnapshotsUnchanged; got != 1 {
		t.Errorf("SnapshotsUnchanged = %d, want 1", got)
	}

	// A raised flag changes the digest.
	acked := remote("m1", "node-a", 1)
	acked.Acknowledged = true
	e.broadcast(ctx, store.Snapshot{Messages: []*message.Message{acked}})
	if n := len(peers.batches()); n != 2 {
		t.Errorf("sent %d batches after flag change, want 2", n)
	}
}

func TestEngine_CoalescesStalledSnapshots(t *testing.T) {
	release := make(chan struct{})
	var blocked atomic.Int32
	peers := &fakePeers{
		peers: []string{"p1"},
		sendFn: func(ctx context.Context, _ string, data []byte) error {
			msgs, err := codec.DecodeBatch(data)
			if err != nil {
				return err
			}
			blocked.Store(int32(len(msgs)))
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	e, st := newTestEngine(t, peers, nil)
	ctx := context.Background()
	e.Start(ctx)

	st.InsertIfAbsent(ctx, remote("m1", "node-a", 0))
	waitFor(t, "first push to stall", func() bool { return blocked.Load() == 1 })

	// Two writes while the first push is stalled.
	st.InsertIfAbsent(ctx, remote("m2", "node-a", 0))
	st.InsertIfAbsent(ctx, remote("m3", "node-a", 0))

	waitFor(t, "latest snapshot in flight", func() bool { return blocked.Load() == 3 })
	if e.Counters().SnapshotsSuperseded == 0 {
		t.Error("SnapshotsSuperseded = 0, want at least 1")
	}
	close(release)

	waitFor(t, "final batch", func() bool { return len(peers.batches()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	for _, b := range peers.batches() {
		if len(b.msgs) != 3 {
			t.Errorf("delivered a stale batch with %d messages", len(b.msgs))
		}
	}
}

func TestEngine_EagerSyncOnConnect(t *testing.T) {
	peers := &fakePeers{}
	e, st := newTestEngine(t, peers, nil)
	ctx := context.Background()

	// Not running: nothing happens.
	e.OnPeerConnected("early")

	st.InsertIfAbsent(ctx, remote("m1", "node-a", 0))
	st.InsertIfAbsent(ctx, remote("m2", "node-b", 1))
	e.Start(ctx)

	e.OnPeerConnected("newcomer")
	waitFor(t, "eager sync", func() bool { return len(peers.batches()) >= 1 })

	b := peers.batches()[0]
	if b.peer != "newcomer" || len(b.msgs) != 2 {
		t.Errorf("eager batch = %s with %d messages, want newcomer with 2", b.peer, len(b.msgs))
	}
	if e.Counters().EagerSyncs != 1 {
		t.Errorf("EagerSyncs = %d, want 1", e.Counters().EagerSyncs)
	}
}

func TestEngine_SyncPeerEmptyStore(t *testing.T) {
	peers := &fakePeers{}
	e, _ := newTestEngine(t, peers, nil)
	if err := e.SyncPeer(context.Background(), "p"); err != nil {
		t.Fatalf("SyncPeer() error = %v", err)
	}
	if len(peers.batches()) != 0 {
		t.Error("empty store should not send")
	}
}

func TestEngine_SendFailuresCounted(t *testing.T) {
	peers := &fakePeers{
		peers:  []string{"p1"},
		sendFn: func(context.Context, string, []byte) error { return errors.New("link down") },
	}
	e, _ := newTestEngine(t, peers, nil)

	e.broadcast(context.Background(), store.Snapshot{Messages: []*message.Message{remote("m1", "a", 0)}})
	c := e.Counters()
	if c.SendFailures != 1 || c.BroadcastsDispatched != 0 {
		t.Errorf("counters = %+v, want one failure and no dispatch", c)
	}

	// A failed push is retried on the next snapshot even when unchanged.
	peers.mu.Lock()
	peers.sendFn = nil
	peers.mu.Unlock()
	e.broadcast(context.Background(), store.Snapshot{Messages: []*message.Message{remote("m1", "a", 0)}})
	if len(peers.batches()) != 1 {
		t.Errorf("retry sent %d batches, want 1", len(peers.batches()))
	}
}

func TestEngine_StopEndsObservation(t *testing.T) {
	peers := &fakePeers{peers: []string{"p1"}}
	e, st := newTestEngine(t, peers, nil)
	e.Start(context.Background())
	e.Stop()
	if e.Running() {
		t.Fatal("Running() = true after Stop")
	}

	st.InsertIfAbsent(context.Background(), remote("m1", "node-a", 0))
	time.Sleep(30 * time.Millisecond)
	if n := len(peers.batches()); n != 0 {
		t.Errorf("stopped engine sent %d batches", n)
	}
}

func TestEngine_RestartIsIdempotent(t *testing.T) {
	peers := &fakePeers{peers: []string{"p1"}}
	e, st := newTestEngine(t, peers, nil)
	ctx := context.Background()
	e.Start(ctx)
	e.Start(ctx)

	st.InsertIfAbsent(ctx, remote("m1", "node-a", 0))
	waitFor(t, "broadcast", func() bool { return len(peers.batches()) >= 1 })
	time.Sleep(30 * time.Millisecond)
	if n := len(peers.batches()); n != 1 {
		t.Errorf("sent %d batches, want 1 (no duplicate subscriptions)", n)
	}
}

func TestCounters_Reset(t *testing.T) {
	var c Counters
	c.BatchesSent.Add(3)
	c.RecordsInserted.Add(2)
	c.Reset()
	if s := c.Snapshot(); s != (CountersSnapshot{}) {
		t.Errorf("Snapshot() after Reset = %+v", s)
	}
}
