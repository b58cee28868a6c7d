// Package session tracks the connection handshake shared by the mesh
// transports. Every transport speaks the same four-step exchange:
//
//	hello   the requester asks for a connection
//	accept  each side sends one once it has accepted locally
//	data    an opaque payload on an established connection
//	bye     either side abandons or closes the connection
//
// A connection is established once both sides have accepted. Table holds
// that state for one local device and reports every transition to the
// owning transport's handlers through an ordered EventQueue, so handlers
// never run under the table lock.
package session

import (
	"sync"

	"github.com/kabili207/sosmesh-go/transport"
)

type peer struct {
	name           string
	handler        transport.ConnectionHandler
	incoming       bool
	localAccepted  bool
	remoteAccepted bool
	connected      bool
	onPayload      transport.PayloadHandler
}

// Table is the handshake state of one local device. It is safe for
// concurrent use.
type Table struct {
	mu     sync.Mutex
	peers  map[string]*peer
	events *EventQueue
}

// NewTable creates an empty table that reports through events.
func NewTable(events *EventQueue) *Table {
	return &Table{
		peers:  make(map[string]*peer),
		events: events,
	}
}

// Request records an outbound handshake with endpoint. It returns false
// when a handshake or connection with endpoint already exists, in which
// case the caller must not send another hello.
func (t *Table) Request(endpoint, name string, h transport.ConnectionHandler) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[endpoint]; ok {
		return false
	}
	t.peers[endpoint] = &peer{name: name, handler: h}
	info := transport.ConnectionInfo{EndpointName: name}
	t.events.Push(func() { h.Initiated(endpoint, info) })
	return true
}

// HandleHello records an inbound handshake from endpoint, reported through
// h. A hello for a known endpoint is a crossing request and is ignored.
func (t *Table) HandleHello(endpoint, name string, h transport.ConnectionHandler) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[endpoint]; ok {
		return false
	}
	t.peers[endpoint] = &peer{name: name, handler: h, incoming: true}
	info := transport.ConnectionInfo{EndpointName: name, Incoming: true}
	t.events.Push(func() { h.Initiated(endpoint, info) })
	return true
}

// Accept records the local acceptance of endpoint. Payloads received once
// connected are passed to onPayload.
func (t *Table) Accept(endpoint string, onPayload transport.PayloadHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[endpoint]
	if !ok {
		return transport.ErrUnknownEndpoint
	}
	p.localAccepted = true
	p.onPayload = onPayload
	t.completeLocked(endpoint, p)
	return nil
}

// HandleAccept records the remote acceptance of endpoint. It returns false
// for endpoints without a handshake in progress.
func (t *Table) HandleAccept(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[endpoint]
	if !ok {
		return false
	}
	p.remoteAccepted = true
	t.completeLocked(endpoint, p)
	return true
}

func (t *Table) completeLocked(endpoint string, p *peer) {
	if p.connected || !p.localAccepted || !p.remoteAccepted {
		return
	}
	p.connected = true
	h := p.handler
	t.events.Push(func() { h.Result(endpoint, nil) })
}

// HandleData queues data for the payload handler of a connected endpoint.
// It returns false when endpoint is not connected.
func (t *Table) HandleData(endpoint string, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[endpoint]
	if !ok || !p.connected || p.onPayload == nil {
		return false
	}
	fn := p.onPayload
	t.events.Push(func() { fn(endpoint, data) })
	return true
}

// Drop forgets endpoint after a bye or a lost link. A connected endpoint
// is reported as disconnected; a pending handshake fails with
// transport.ErrRejected. It returns false for unknown endpoints.
func (t *Table) Drop(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[endpoint]
	if !ok {
		return false
	}
	delete(t.peers, endpoint)
	h := p.handler
	if p.connected {
		t.events.Push(func() { h.Disconnected(endpoint) })
	} else {
		t.events.Push(func() { h.Result(endpoint, transport.ErrRejected) })
	}
	return true
}

// Connected reports whether the handshake with endpoint has completed.
func (t *Table) Connected(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[endpoint]
	return ok && p.connected
}

// Known reports whether endpoint has a handshake or connection.
func (t *Table) Known(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[endpoint]
	return ok
}

// Endpoints returns every endpoint with a handshake or connection.
func (t *Table) Endpoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// Reset forgets every endpoint without reporting anything and returns the
// endpoints that were known, so the caller can say bye to them.
func (t *Table) Reset() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	clear(t.peers)
	return out
}
