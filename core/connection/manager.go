// Package connection manages the peer lifecycle of an SOS mesh device: it
// keeps the device advertising and discovering, requests a connection to
// every endpoint it finds, accepts every inbound handshake, and tracks
// which endpoints are currently connected.
//
// All endpoint state is guarded by one mutex and application callbacks are
// fired outside it. Each Start begins a new session; callbacks delivered by
// the transport on behalf of an earlier session are ignored.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kabili207/sosmesh-go/transport"
)

const (
	// DefaultRetryInterval is the delay before retrying a failed start of
	// advertising or discovery.
	DefaultRetryInterval = 2 * time.Second

	// DefaultServiceID is the service tag advertised and discovered.
	DefaultServiceID = "sosmesh"
)

// ManagerConfig configures a connection Manager.
type ManagerConfig struct {
	// LocalName is the name this device advertises under. Required.
	LocalName string

	// ServiceID is the service tag. Default: DefaultServiceID.
	ServiceID string

	// RetryInterval is the fixed backoff between start attempts.
	// Default: 2 seconds.
	RetryInterval time.Duration

	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type endpointState struct {
	name  string
	state State
	since time.Time
}

// Manager owns advertising, discovery and the connected endpoint set.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger
	tr  transport.Transport

	mu         sync.Mutex
	endpoints  map[string]*endpointState
	generation uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	onConnected    func(id string)
	onDisconnected func(id string)
	onPayload      transport.PayloadHandler

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewManager creates a connection manager driving tr.
func NewManager(tr transport.Transport, cfg ManagerConfig) *Manager {
	if cfg.ServiceID == "" {
		cfg.ServiceID = DefaultServiceID
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       logger.WithGroup("connection"),
		tr:        tr,
		endpoints: make(map[string]*endpointState),
		nowFn:     time.Now,
	}
}

// SetOnPeerConnected sets the callback invoked when an endpoint reaches
// StateConnected.
func (m *Manager) SetOnPeerConnected(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// SetOnPeerDisconnected sets the callback invoked when a connected
// endpoint disconnects. It is not called for endpoints whose handshake
// failed, nor when Stop tears connections down.
func (m *Manager) SetOnPeerDisconnected(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// SetPayloadHandler sets the callback for payloads received from peers.
func (m *Manager) SetPayloadHandler(fn transport.PayloadHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPayload = fn
}

// Start begins advertising and discovery in a new session. Calling Start
// while running first performs a full Stop. Failures to start either
// primitive are retried every RetryInterval until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.cancel = cancel
	m.mu.Unlock()

	m.log.Info("starting mesh session", "name", m.cfg.LocalName, "service", m.cfg.ServiceID)

	m.wg.Add(2)
	go m.startWithRetry(ctx, "advertising", func(ctx context.Context) error {
		return m.tr.StartAdvertising(ctx, m.cfg.LocalName, m.cfg.ServiceID, m.connectionHandler(ctx, gen))
	})
	go m.startWithRetry(ctx, "discovery", func(ctx context.Context) error {
		return m.tr.StartDiscovery(ctx, m.cfg.ServiceID, m.discoveryHandler(ctx, gen))
	})
}

// Stop halts advertising and discovery, closes every connection and
// forgets all endpoints. It is safe to call when not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.generation++
	running := cancel != nil
	clear(m.endpoints)
	m.mu.Unlock()

	if !running {
		return
	}
	cancel()
	m.wg.Wait()
	m.tr.StopAll()
	m.log.Info("stopped mesh session")
}

func (m *Manager) startWithRetry(ctx context.Context, what string, start func(context.Context) error) {
	defer m.wg.Done()
	for {
		err := start(ctx)
		if err == nil {
			m.log.Debug("started " + what)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("failed to start "+what+", retrying", "error", err, "retry_in", m.cfg.RetryInterval)

		t := time.NewTimer(m.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// currentLocked reports whether gen is the running session. Must be called with
// m.mu held.
func (m *Manager) currentLocked(gen uint64) bool {
	return m.cancel != nil && m.generation == gen
}

func (m *Manager) discoveryHandler(ctx context.Context, gen uint64) transport.DiscoveryHandler {
	return transport.DiscoveryHandler{
		OnEndpointFound: func(id string, info transport.EndpointInfo) {
			m.handleEndpointFound(ctx, gen, id, info)
		},
		OnEndpointLost: func(id string) {
			m.handleEndpointLost(gen, id)
		},
	}
}

func (m *Manager) connectionHandler(ctx context.Context, gen uint64) transport.ConnectionHandler {
	return transport.ConnectionHandler{
		OnConnectionInitiated: func(id string, info transport.ConnectionInfo) {
			m.handleConnectionInitiated(ctx, gen, id, info)
		},
		OnConnectionResult: func(id string, err error) {
			m.handleConnectionResult(gen, id, err)
		},
		OnDisconnected: func(id string) {
			m.handleDisconnected(gen, id)
		},
	}
}

func (m *Manager) handleEndpointFound(ctx context.Context, gen uint64, id string, info transport.EndpointInfo) {
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	if _, busy := m.endpoints[id]; busy {
		m.mu.Unlock()
		return
	}
	m.endpoints[id] = &endpointState{name: info.Name, state: StateDiscovered, since: m.nowFn()}
	m.mu.Unlock()

	m.log.Debug("endpoint found, requesting connection", "peer", id)
	if err := m.tr.RequestConnection(ctx, m.cfg.LocalName, id, m.connectionHandler(ctx, gen)); err != nil {
		m.log.Debug("connection request failed", "peer", id, "error", err)
		m.dropIfPending(gen, id)
		return
	}

	// The transport may already have moved the handshake on.
	m.mu.Lock()
	if st, ok := m.endpoints[id]; ok && m.currentLocked(gen) && st.state == StateDiscovered {
		st.state = StateConnectionRequested
		st.since = m.nowFn()
	}
	m.mu.Unlock()
}

func (m *Manager) handleEndpointLost(gen uint64, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return
	}
	if st, ok := m.endpoints[id]; ok && st.state != StateConnected {
		delete(m.endpoints, id)
		m.log.Debug("endpoint lost", "peer", id)
	}
}

func (m *Manager) handleConnectionInitiated(ctx context.Context, gen uint64, id string, info transport.ConnectionInfo) {
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	st, ok := m.endpoints[id]
	if ok && st.state == StateConnected {
		m.mu.Unlock()
		return
	}
	if !ok {
		st = &endpointState{}
		m.endpoints[id] = st
	}
	if info.EndpointName != "" {
		st.name = info.EndpointName
	}
	st.state = StateAccepted
	st.since = m.nowFn()
	m.mu.Unlock()

	m.log.Debug("accepting connection", "peer", id, "incoming", info.Incoming)
	if err := m.tr.AcceptConnection(ctx, id, m.payloadHandler(gen)); err != nil {
		m.log.Debug("accept failed", "peer", id, "error", err)
		m.dropIfPending(gen, id)
	}
}

func (m *Manager) handleConnectionResult(gen uint64, id string, err error) {
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	st, ok := m.endpoints[id]
	if err != nil {
		if ok && st.state != StateConnected {
			delete(m.endpoints, id)
		}
		m.mu.Unlock()
		m.log.Debug("connection failed", "peer", id, "error", err)
		return
	}
	if ok && st.state == StateConnected {
		m.mu.Unlock()
		return
	}
	if !ok {
		st = &endpointState{}
		m.endpoints[id] = st
	}
	st.state = StateConnected
	st.since = m.nowFn()
	fn := m.onConnected
	m.mu.Unlock()

	m.log.Info("peer connected", "peer", id)
	if fn != nil {
		fn(id)
	}
}

func (m *Manager) handleDisconnected(gen uint64, id string) {
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	st, ok := m.endpoints[id]
	wasConnected := ok && st.state == StateConnected
	delete(m.endpoints, id)
	fn := m.onDisconnected
	m.mu.Unlock()

	if !wasConnected {
		m.log.Debug("handshake abandoned", "peer", id)
		return
	}
	m.log.Info("peer disconnected", "peer", id)
	if fn != nil {
		fn(id)
	}
}

func (m *Manager) payloadHandler(gen uint64) transport.PayloadHandler {
	return func(id string, data []byte) {
		m.mu.Lock()
		if !m.currentLocked(gen) {
			m.mu.Unlock()
			return
		}
		fn := m.onPayload
		m.mu.Unlock()

		if fn != nil {
			fn(id, data)
		}
	}
}

// dropIfPending forgets an endpoint whose handshake failed locally.
func (m *Manager) dropIfPending(gen uint64, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return
	}
	if st, ok := m.endpoints[id]; ok && st.state != StateConnected {
		delete(m.endpoints, id)
	}
}

// Running reports whether a session is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// ConnectedPeers returns the IDs of connected endpoints in sorted order.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, st := range m.endpoints {
		if st.state == StateConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsConnected returns true if the endpoint is connected.
func (m *Manager) IsConnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.endpoints[id]
	return ok && st.state == StateConnected
}

// ConnectedCount returns the number of connected endpoints.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.endpoints {
		if st.state == StateConnected {
			n++
		}
	}
	return n
}

// Endpoints returns a snapshot of every tracked endpoint, sorted by ID.
func (m *Manager) Endpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Endpoint, 0, len(m.endpoints))
	for id, st := range m.endpoints {
		out = append(out, Endpoint{ID: id, Name: st.name, State: st.state, Since: st.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Send delivers data to a connected endpoint.
func (m *Manager) Send(ctx context.Context, id string, data []byte) error {
	if !m.IsConnected(id) {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, id)
	}
	return m.tr.Send(ctx, id, data)
}
