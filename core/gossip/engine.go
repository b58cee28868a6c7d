// Package gossip implements the SOS mesh synchronization engine.
//
// Outbound, the engine observes the local store and pushes the whole
// message set to every connected peer after each change (collect-latest:
// a newer snapshot cancels processing of an older one). It also pushes the
// full set to each newly connected peer. Inbound, it merges received
// batches into the store: own messages are never re-inserted, known
// messages (own ones included) only contribute their Acknowledged flag, and
// new messages are stored with their hop count raised by one. Every insert changes the store and so
// triggers another push, which floods messages across the mesh.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kabili207/sosmesh-go/core/codec"
	"github.com/kabili207/sosmesh-go/core/dedupe"
	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
)

const (
	// DefaultBroadcastDelay is how long a snapshot must stay current before
	// it is pushed. Bursts of store changes collapse into one push.
	DefaultBroadcastDelay = 300 * time.Millisecond
)

var ErrDuplicateBatch = errors.New("gossip: batch already merged")

// PeerSender delivers batches to connected peers. The connection
// Manager implements it.
type PeerSender interface {
	ConnectedPeers() []string
	Send(ctx context.Context, id string, data []byte) error
}

// EngineConfig configures the gossip engine.
type EngineConfig struct {
	// SelfID is this device's origin ID. Required.
	SelfID string

	// BroadcastDelay is the settle delay before a snapshot is pushed.
	// Default: 300ms.
	BroadcastDelay time.Duration

	// Notifier receives newly learned messages. Optional.
	Notifier Notifier

	// DedupeCapacity is the number of recently merged batch hashes kept.
	// Default: dedupe.DefaultCapacity.
	DedupeCapacity int

	// Logger for engine events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// MergeResult summarizes one merged batch.
type MergeResult struct {
	Inserted     int
	Duplicates   int
	Self         int
	Invalid      int
	Acknowledged int
}

// Engine synchronizes the local store with connected peers.
type Engine struct {
	cfg    EngineConfig
	log    *slog.Logger
	store  store.Store
	peers  PeerSender
	dedupe *dedupe.Deduplicator

	counters Counters

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	syncs  sync.WaitGroup

	digestMu   sync.Mutex
	lastDigest message.Digest
	haveDigest bool
}

// NewEngine creates a gossip engine over st that sends through peers.
func NewEngine(st store.Store, peers PeerSender, cfg EngineConfig) *Engine {
	if cfg.BroadcastDelay <= 0 {
		cfg.BroadcastDelay = DefaultBroadcastDelay
	}
	if cfg.DedupeCapacity <= 0 {
		cfg.DedupeCapacity = dedupe.DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		log:    logger.WithGroup("gossip"),
		store:  st,
		peers:  peers,
		dedupe: dedupe.NewWithCapacity(cfg.DedupeCapacity),
	}
}

// Counters returns a snapshot of the engine's statistics.
func (e *Engine) Counters() CountersSnapshot {
	return e.counters.Snapshot()
}

// Start subscribes to the store and begins pushing changes. Calling Start
// while running first performs a full Stop.
func (e *Engine) Start(ctx context.Context) {
	e.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.ctx = ctx
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	e.digestMu.Lock()
	e.haveDigest = false
	e.digestMu.Unlock()

	updates := e.store.Observe(ctx)
	go e.observe(ctx, updates, done)
	e.log.Debug("observing store")
}

// Stop cancels the store subscription and waits for in-flight pushes.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done, e.ctx = nil, nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.syncs.Wait()
	e.log.Debug("stopped observing store")
}

// Running reports whether the engine is observing the store.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// observe implements collect-latest over the store subscription.
func (e *Engine) observe(ctx context.Context, updates <-chan store.Snapshot, done chan struct{}) {
	defer close(done)

	var (
		stop     context.CancelFunc
		finished chan struct{}
	)
	join := func() {
		if stop == nil {
			return
		}
		stop()
		<-finished
		stop, finished = nil, nil
	}
	defer join()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			e.counters.SnapshotsObserved.Add(1)

			if finished != nil {
				select {
				case <-finished:
				default:
					e.counters.SnapshotsSuperseded.Add(1)
				}
			}
			join()

			pctx, pcancel := context.WithCancel(ctx)
			stop, finished = pcancel, make(chan struct{})
			go func(snap store.Snapshot, finished chan struct{}) {
				defer close(finished)
				e.broadcast(pctx, snap)
			}(snap, finished)
		}
	}
}

// broadcast waits out the settle delay and pushes snap to every peer.
func (e *Engine) broadcast(ctx context.Context, snap store.Snapshot) {
	if snap.Len() == 0 {
		return
	}

	t := time.NewTimer(e.cfg.BroadcastDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		return
	case <-t.C:
	}

	digest := message.SetDigest(snap.Messages)
	e.digestMu.Lock()
	unchanged := e.haveDigest && digest == e.lastDigest
	e.digestMu.Unlock()
	if unchanged {
		e.counters.SnapshotsUnchanged.Add(1)
		return
	}

	peers := e.peers.ConnectedPeers()
	if len(peers) == 0 {
		return
	}

	data, err := codec.EncodeBatch(snap.Messages)
	if err != nil {
		e.log.Error("failed to encode batch", "messages", snap.Len(), "error", err)
		return
	}

	delivered := e.sendAll(ctx, peers, data)
	if ctx.Err() != nil || delivered == 0 {
		return
	}

	e.digestMu.Lock()
	e.lastDigest, e.haveDigest = digest, true
	e.digestMu.Unlock()
	e.counters.BroadcastsDispatched.Add(1)
	e.log.Debug("broadcast message set", "messages", snap.Len(), "peers", delivered)
}

// sendAll sends data to every peer concurrently and returns the number of
// successful sends.
func (e *Engine) sendAll(ctx context.Context, peers []string, data []byte) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, id := range peers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.peers.Send(ctx, id, data); err != nil {
				e.counters.SendFailures.Add(1)
				e.log.Warn("failed to send batch", "peer", id, "error", err)
				return
			}
			e.counters.BatchesSent.Add(1)
			mu.Lock()
			ok++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return ok
}

// SyncPeer pushes the full message set to one peer.
func (e *Engine) SyncPeer(ctx context.Context, id string) error {
	msgs, err := e.store.All(ctx)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	data, err := codec.EncodeBatch(msgs)
	if err != nil {
		return err
	}
	if err := e.peers.Send(ctx, id, data); err != nil {
		e.counters.SendFailures.Add(1)
		return err
	}
	e.counters.BatchesSent.Add(1)
	e.counters.EagerSyncs.Add(1)
	e.log.Debug("synced new peer", "peer", id, "messages", len(msgs))
	return nil
}

// OnPeerConnected pushes the full message set to a newly connected peer in
// the background. It does nothing when the engine is stopped.
func (e *Engine) OnPeerConnected(id string) {
	e.mu.Lock()
	ctx := e.ctx
	if ctx == nil {
		e.mu.Unlock()
		return
	}
	e.syncs.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.syncs.Done()
		if err := e.SyncPeer(ctx, id); err != nil && ctx.Err() == nil {
			e.log.Warn("eager sync failed", "peer", id, "error", err)
		}
	}()
}

// HandlePayload merges a payload received from a peer. Its signature
// matches transport.PayloadHandler.
func (e *Engine) HandlePayload(from string, data []byte) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := e.Merge(ctx, from, data)
	switch {
	case errors.Is(err, ErrDuplicateBatch):
		e.log.Debug("skipped duplicate batch", "peer", from)
	case err != nil:
		e.log.Warn("discarded batch", "peer", from, "error", err)
	case res.Inserted > 0 || res.Acknowledged > 0:
		e.log.Debug("merged batch", "peer", from,
			"inserted", res.Inserted, "acknowledged", res.Acknowledged, "duplicates", res.Duplicates)
	}
}

// Merge decodes a batch and merges each record into the store.
func (e *Engine) Merge(ctx context.Context, from string, data []byte) (MergeResult, error) {
	var res MergeResult
	e.counters.BatchesReceived.Add(1)

	h := dedupe.Sum(data)
	if e.dedupe.Contains(h) {
		e.counters.BatchesDuplicate.Add(1)
		return res, ErrDuplicateBatch
	}

	msgs, err := codec.DecodeBatch(data)
	if err != nil {
		e.counters.BatchesMalformed.Add(1)
		return res, err
	}

	var storeErr error
	for _, m := range msgs {
		if err := validateRecord(m); err != nil {
			res.Invalid++
			e.counters.RecordsInvalid.Add(1)
			e.log.Debug("skipping invalid record", "peer", from, "error", err)
			continue
		}
		if m.OriginID == e.cfg.SelfID {
			res.Self++
			e.counters.RecordsSelf.Add(1)
			if err := e.mergeOwn(ctx, m, &res); err != nil {
				storeErr = errors.Join(storeErr, err)
			}
			continue
		}

		if err := e.mergeOne(ctx, m, &res); err != nil {
			storeErr = errors.Join(storeErr, err)
		}
	}

	// A batch is only remembered once every record landed, so a retry after
	// a store failure is not skipped.
	if storeErr != nil {
		return res, storeErr
	}
	e.dedupe.Add(h)
	return res, nil
}

func validateRecord(m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.HopCount == math.MaxInt {
		return message.ErrHopOverflow
	}
	return nil
}

// mergeOwn never re-inserts a message this device authored, but still takes
// the Acknowledged flag a peer raised on it.
func (e *Engine) mergeOwn(ctx context.Context, m *message.Message, res *MergeResult) error {
	if !m.Acknowledged {
		return nil
	}
	changed, err := e.store.MarkAcknowledged(ctx, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("acknowledging own %s: %w", m.ID, err)
	}
	if changed {
		res.Acknowledged++
		e.counters.AcksMerged.Add(1)
	}
	return nil
}

func (e *Engine) mergeOne(ctx context.Context, m *message.Message, res *MergeResult) error {
	relayed := m.Relayed()
	inserted, err := e.store.InsertIfAbsent(ctx, relayed)
	if err != nil {
		return fmt.Errorf("storing %s: %w", m.ID, err)
	}
	if inserted {
		res.Inserted++
		e.counters.RecordsInserted.Add(1)
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.Notify(ctx, relayed.Clone())
		}
		return nil
	}

	res.Duplicates++
	e.counters.RecordsDuplicate.Add(1)
	if !m.Acknowledged {
		return nil
	}
	changed, err := e.store.MarkAcknowledged(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("acknowledging %s: %w", m.ID, err)
	}
	if changed {
		res.Acknowledged++
		e.counters.AcksMerged.Add(1)
	}
	return nil
}
