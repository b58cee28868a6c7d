// Package memory provides an in-process transport for tests and
// simulations. Transports attached to a shared Medium discover each other
// when they are linked, so a test can shape any mesh topology and cut
// links to simulate devices walking out of range.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/kabili207/sosmesh-go/transport"
	"github.com/kabili207/sosmesh-go/transport/session"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// Medium is a shared radio environment with explicit reachability.
type Medium struct {
	mu    sync.Mutex
	nodes map[string]*Transport
	links map[[2]string]bool
	log   *slog.Logger
}

// NewMedium creates an empty medium. A nil logger falls back to
// slog.Default().
func NewMedium(logger *slog.Logger) *Medium {
	if logger == nil {
		logger = slog.Default()
	}
	return &Medium{
		nodes: make(map[string]*Transport),
		links: make(map[[2]string]bool),
		log:   logger.WithGroup("memory"),
	}
}

func linkKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Transport is one device attached to a Medium. Its endpoint ID is the
// id it was created with.
type Transport struct {
	medium *Medium
	id     string
	events *session.EventQueue
	table  *session.Table

	// Guarded by medium.mu.
	advertising bool
	localName   string
	advService  string
	advHandler  transport.ConnectionHandler
	discovering bool
	discService string
	discHandler transport.DiscoveryHandler
	found       map[string]bool
}

// NewTransport attaches a device with endpoint ID id. It panics if id is
// already attached.
func (m *Medium) NewTransport(id string) *Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; ok {
		panic("memory: duplicate transport " + id)
	}
	events := session.NewEventQueue()
	t := &Transport{
		medium: m,
		id:     id,
		events: events,
		table:  session.NewTable(events),
		found:  make(map[string]bool),
	}
	m.nodes[id] = t
	return t
}

// ID returns the transport's endpoint ID.
func (t *Transport) ID() string { return t.id }

// Link makes a and b reachable from each other.
func (m *Medium) Link(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a == b || m.links[linkKey(a, b)] {
		return
	}
	m.links[linkKey(a, b)] = true
	if ta, tb := m.nodes[a], m.nodes[b]; ta != nil && tb != nil {
		m.announceLocked(ta, tb)
		m.announceLocked(tb, ta)
	}
	m.log.Debug("linked", "a", a, "b", b)
}

// Unlink cuts the link between a and b. Any connection between them is
// reported as disconnected on both sides.
func (m *Medium) Unlink(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.links[linkKey(a, b)] {
		return
	}
	delete(m.links, linkKey(a, b))
	ta, tb := m.nodes[a], m.nodes[b]
	if ta == nil || tb == nil {
		return
	}
	m.loseLocked(ta, tb)
	m.loseLocked(tb, ta)
	ta.table.Drop(b)
	tb.table.Drop(a)
	m.log.Debug("unlinked", "a", a, "b", b)
}

// LinkAll links every pair of the given ids.
func (m *Medium) LinkAll(ids ...string) {
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			m.Link(ids[i], ids[j])
		}
	}
}

// Linked reports whether a and b can reach each other.
func (m *Medium) Linked(a, b string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[linkKey(a, b)]
}

// announceLocked reports adv to disc if disc is looking for adv's service.
func (m *Medium) announceLocked(disc, adv *Transport) {
	if !disc.discovering || !adv.advertising || disc.discService != adv.advService {
		return
	}
	if disc.found[adv.id] {
		return
	}
	disc.found[adv.id] = true
	h, id := disc.discHandler, adv.id
	info := transport.EndpointInfo{Name: adv.localName, ServiceID: adv.advService}
	disc.events.Push(func() { h.Found(id, info) })
}

// loseLocked withdraws adv from disc's discovered endpoints.
func (m *Medium) loseLocked(disc, adv *Transport) {
	if !disc.found[adv.id] {
		return
	}
	delete(disc.found, adv.id)
	h, id := disc.discHandler, adv.id
	disc.events.Push(func() { h.Lost(id) })
}

func (m *Medium) neighborsLocked(id string) []*Transport {
	var out []*Transport
	for key := range m.links {
		var other string
		switch id {
		case key[0]:
			other = key[1]
		case key[1]:
			other = key[0]
		default:
			continue
		}
		if t := m.nodes[other]; t != nil {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *Transport) int { return strings.Compare(a.id, b.id) })
	return out
}

func (m *Medium) peerLocked(from, to string) (*Transport, error) {
	t := m.nodes[to]
	if t == nil || !m.links[linkKey(from, to)] {
		return nil, transport.ErrUnknownEndpoint
	}
	return t, nil
}

// StartAdvertising makes the transport discoverable by linked neighbors.
func (t *Transport) StartAdvertising(ctx context.Context, localName, serviceID string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	t.advertising = true
	t.localName = localName
	t.advService = serviceID
	t.advHandler = h
	for _, n := range m.neighborsLocked(t.id) {
		m.announceLocked(n, t)
	}
	return nil
}

// StartDiscovery reports linked neighbors advertising serviceID.
func (t *Transport) StartDiscovery(ctx context.Context, serviceID string, h transport.DiscoveryHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	t.discovering = true
	t.discService = serviceID
	t.discHandler = h
	clear(t.found)
	for _, n := range m.neighborsLocked(t.id) {
		m.announceLocked(t, n)
	}
	return nil
}

// StopAll stops advertising and discovery and closes every connection.
// Neighbors see the endpoint lost and any connection dropped; the local
// side is not notified.
func (t *Transport) StopAll() {
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.neighborsLocked(t.id) {
		if t.advertising {
			m.loseLocked(n, t)
		}
	}
	for _, id := range t.table.Reset() {
		if peer := m.nodes[id]; peer != nil {
			peer.table.Drop(t.id)
		}
	}
	t.advertising = false
	t.discovering = false
	t.advHandler = transport.ConnectionHandler{}
	t.discHandler = transport.DiscoveryHandler{}
	clear(t.found)
}

// RequestConnection starts a handshake with a linked, advertising endpoint.
// Requesting an endpoint that is already handshaking with this transport
// is a no-op.
func (t *Transport) RequestConnection(ctx context.Context, localName, endpoint string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, err := m.peerLocked(t.id, endpoint)
	if err != nil {
		return err
	}
	if !peer.advertising {
		return transport.ErrRejected
	}
	if !t.table.Request(endpoint, peer.localName, h) {
		return nil
	}
	peer.table.HandleHello(t.id, localName, peer.advHandler)
	return nil
}

// AcceptConnection accepts a pending handshake.
func (t *Transport) AcceptConnection(ctx context.Context, endpoint string, onPayload transport.PayloadHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, err := m.peerLocked(t.id, endpoint)
	if err != nil {
		return err
	}
	if err := t.table.Accept(endpoint, onPayload); err != nil {
		return err
	}
	peer.table.HandleAccept(t.id)
	return nil
}

// Send delivers a copy of data to a connected endpoint.
func (t *Transport) Send(ctx context.Context, endpoint string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !t.table.Connected(endpoint) {
		return transport.ErrNotConnected
	}
	peer, err := m.peerLocked(t.id, endpoint)
	if err != nil {
		return err
	}
	if !peer.table.HandleData(t.id, append([]byte(nil), data...)) {
		return transport.ErrNotConnected
	}
	return nil
}

// Flush waits until every callback queued for this transport has run. It
// must not be called from a callback.
func (t *Transport) Flush() {
	t.events.Wait()
}
