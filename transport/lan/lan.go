// Package lan provides a transport for devices sharing a local IP network
// without any infrastructure beyond the link itself: an ad-hoc Wi-Fi
// network, a phone hotspot, a mesh router.
//
// Devices announce themselves with JSON beacons over UDP broadcast. Each
// beacon names the device, the mesh service and the TCP port the device
// accepts connections on. Connections carry length-prefixed envelope
// frames (hello, accept, data, bye). Of two devices, the one with the
// smaller name dials; the larger answers a connection request with a
// unicast beacon so the smaller learns about it even when broadcasts only
// travel one way.
package lan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kabili207/sosmesh-go/core/advert"
	"github.com/kabili207/sosmesh-go/core/codec"
	"github.com/kabili207/sosmesh-go/transport"
	"github.com/kabili207/sosmesh-go/transport/session"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBeaconPort is the UDP port beacons are sent to and received on.
	DefaultBeaconPort = 47800
	// DefaultBeaconInterval is the period between broadcast beacons.
	DefaultBeaconInterval = 2 * time.Second
	// DefaultIOTimeout bounds dialing and each frame write.
	DefaultIOTimeout = 5 * time.Second

	beaconType  = "beacon"
	maxDatagram = 2048
)

var ErrClosed = errors.New("lan: transport closed")

// Config holds the configuration for a LAN transport.
type Config struct {
	// ListenAddr is the TCP address connections are accepted on.
	// Default: ":0" (any free port).
	ListenAddr string
	// BeaconAddr is the UDP address beacons are received on.
	// Default: ":47800".
	BeaconAddr string
	// BeaconTargets are the UDP addresses beacons are sent to.
	// Default: the IPv4 broadcast address on DefaultBeaconPort.
	BeaconTargets []string
	// BeaconInterval is the period between beacons. Default: 2 seconds.
	BeaconInterval time.Duration
	// PeerTimeout is how long a device stays discovered without a beacon.
	// Default: session.DefaultPeerTimeout.
	PeerTimeout time.Duration
	// IOTimeout bounds dialing and frame writes. Default: 5 seconds.
	IOTimeout time.Duration
	// Name identifies this device in frames sent before it starts
	// advertising, such as the bye that refuses a hello. StartAdvertising
	// replaces it. Default: the TCP listen address.
	Name string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// beacon is the UDP announcement.
type beacon struct {
	Type    string `json:"type"`
	Service string `json:"service"`
	Name    string `json:"name"`
	Port    int    `json:"port"`
}

// peerAddr is where a discovered device can be reached.
type peerAddr struct {
	service string
	data    string
	beacon  *net.UDPAddr
}

type link struct {
	conn net.Conn
	wmu  sync.Mutex
}

// Transport implements transport.Transport over UDP beacons and TCP.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	events *session.EventQueue
	table  *session.Table
	live   *session.Liveness

	mu      sync.Mutex
	udp     *net.UDPConn
	tcp     net.Listener
	targets []*net.UDPAddr
	closed  bool
	loops   sync.WaitGroup

	localName   string
	advertising bool
	advService  string
	advHandler  transport.ConnectionHandler
	discovering bool
	discService string
	discHandler transport.DiscoveryHandler

	runCtx    context.Context
	runCancel context.CancelFunc
	run       sync.WaitGroup
	sched     *advert.Scheduler

	peers      map[string]*peerAddr
	links      map[string]*link
	accepted   map[string]bool
	sentAccept map[string]bool
}

// New creates a LAN transport. No sockets are opened until Listen or one
// of the Start methods is called.
func New(cfg Config) *Transport {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.BeaconAddr == "" {
		cfg.BeaconAddr = fmt.Sprintf(":%d", DefaultBeaconPort)
	}
	if len(cfg.BeaconTargets) == 0 {
		cfg.BeaconTargets = []string{fmt.Sprintf("255.255.255.255:%d", DefaultBeaconPort)}
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	log := cfg.Logger.WithGroup("lan")
	events := session.NewEventQueue()
	t := &Transport{
		cfg:        cfg,
		log:        log,
		events:     events,
		table:      session.NewTable(events),
		live:       session.NewLiveness(session.LivenessConfig{Timeout: cfg.PeerTimeout, Logger: cfg.Logger}),
		peers:      make(map[string]*peerAddr),
		links:      make(map[string]*link),
		accepted:   make(map[string]bool),
		sentAccept: make(map[string]bool),
		localName:  cfg.Name,
	}
	t.live.SetOnLost(t.handleLost)
	return t
}

// Listen opens the UDP beacon socket and the TCP listener. It is called
// implicitly by StartAdvertising and StartDiscovery and is idempotent.
func (t *Transport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listenLocked()
}

func (t *Transport) listenLocked() error {
	if t.closed {
		return ErrClosed
	}
	if t.udp != nil {
		return nil
	}

	targets := make([]*net.UDPAddr, 0, len(t.cfg.BeaconTargets))
	for _, s := range t.cfg.BeaconTargets {
		addr, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			return fmt.Errorf("resolving beacon target %q: %w", s, err)
		}
		targets = append(targets, addr)
	}
	baddr, err := net.ResolveUDPAddr("udp4", t.cfg.BeaconAddr)
	if err != nil {
		return fmt.Errorf("resolving beacon address: %w", err)
	}
	udp, err := net.ListenUDP("udp4", baddr)
	if err != nil {
		return fmt.Errorf("opening beacon socket: %w", err)
	}
	tcp, err := net.Listen("tcp4", t.cfg.ListenAddr)
	if err != nil {
		udp.Close()
		return fmt.Errorf("opening listener: %w", err)
	}

	t.udp, t.tcp, t.targets = udp, tcp, targets
	t.loops.Add(2)
	go t.readBeacons(udp)
	go t.acceptLoop(tcp)
	t.log.Info("listening", "beacon", udp.LocalAddr().String(), "tcp", tcp.Addr().String())
	return nil
}

// BeaconAddr returns the bound UDP beacon address, or "" before Listen.
func (t *Transport) BeaconAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.udp == nil {
		return ""
	}
	return t.udp.LocalAddr().String()
}

// Addr returns the bound TCP address, or "" before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tcp == nil {
		return ""
	}
	return t.tcp.Addr().String()
}

// AddBeaconTarget adds a UDP address beacons are sent to.
func (t *Transport) AddBeaconTarget(target string) error {
	addr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return fmt.Errorf("resolving beacon target %q: %w", target, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets = append(t.targets, addr)
	return nil
}

// Close stops everything and releases the sockets. The transport cannot be
// used afterwards.
func (t *Transport) Close() error {
	t.StopAll()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	udp, tcp := t.udp, t.tcp
	t.mu.Unlock()

	var err error
	if udp != nil {
		err = errors.Join(udp.Close(), tcp.Close())
	}
	t.loops.Wait()
	return err
}

// runContextLocked returns the context of the current advertising and
// discovery session, starting one and its liveness loop if needed.
func (t *Transport) runContextLocked() context.Context {
	if t.runCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.runCtx, t.runCancel = ctx, cancel
		t.run.Add(1)
		go func() {
			defer t.run.Done()
			t.live.Start(ctx)
		}()
	}
	return t.runCtx
}

// StartAdvertising begins broadcasting beacons for serviceID.
func (t *Transport) StartAdvertising(ctx context.Context, localName, serviceID string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.listenLocked(); err != nil {
		return err
	}

	t.localName = localName
	t.advService = serviceID
	t.advHandler = h
	if t.advertising {
		return nil
	}
	t.advertising = true

	runCtx := t.runContextLocked()
	sched := advert.NewScheduler(t.broadcastBeacon, advert.SchedulerConfig{
		Interval: t.cfg.BeaconInterval,
		Logger:   t.cfg.Logger,
	})
	t.sched = sched
	t.run.Add(1)
	go func() {
		defer t.run.Done()
		sched.Start(runCtx)
	}()
	t.log.Debug("advertising", "name", localName, "service", serviceID)
	return nil
}

// StartDiscovery reports devices whose beacons carry serviceID.
func (t *Transport) StartDiscovery(ctx context.Context, serviceID string, h transport.DiscoveryHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.listenLocked(); err != nil {
		return err
	}
	t.discovering = true
	t.discService = serviceID
	t.discHandler = h
	t.live.Clear()
	t.runContextLocked()
	t.log.Debug("discovering", "service", serviceID)
	return nil
}

// StopAll stops advertising and discovery and closes every connection
// with a bye. Sockets stay open until Close.
func (t *Transport) StopAll() {
	t.mu.Lock()
	cancel, sched := t.runCancel, t.sched
	t.runCtx, t.runCancel, t.sched = nil, nil, nil
	t.advertising, t.discovering = false, false
	t.advHandler = transport.ConnectionHandler{}
	t.discHandler = transport.DiscoveryHandler{}
	links := t.links
	t.links = make(map[string]*link)
	clear(t.accepted)
	clear(t.sentAccept)
	t.table.Reset()
	t.live.Clear()
	from := t.localName
	t.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if cancel != nil {
		cancel()
	}
	t.run.Wait()

	for _, l := range links {
		t.writeEnvelope(l, &codec.Envelope{Kind: codec.KindBye, From: from})
		l.conn.Close()
	}
}

// RequestConnection starts a handshake with a discovered device.
func (t *Transport) RequestConnection(ctx context.Context, localName, endpoint string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	p, ok := t.peers[endpoint]
	if !ok {
		t.mu.Unlock()
		return transport.ErrUnknownEndpoint
	}
	if t.localName == "" {
		t.localName = localName
	}
	if !t.table.Request(endpoint, endpoint, h) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if localName < endpoint {
		t.loops.Add(1)
		go t.dial(localName, endpoint, p.data)
		return nil
	}
	// The other side dials; make sure it knows about us.
	if err := t.sendBeacon(p.beacon); err != nil {
		t.log.Debug("unicast beacon failed", "peer", endpoint, "error", err)
	}
	return nil
}

// AcceptConnection accepts a handshake reported through
// OnConnectionInitiated.
func (t *Transport) AcceptConnection(ctx context.Context, endpoint string, onPayload transport.PayloadHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if err := t.table.Accept(endpoint, onPayload); err != nil {
		t.mu.Unlock()
		return err
	}
	t.accepted[endpoint] = true
	l := t.pendingAcceptLocked(endpoint)
	from := t.localName
	t.mu.Unlock()

	if l != nil {
		return t.writeEnvelope(l, &codec.Envelope{Kind: codec.KindAccept, From: from})
	}
	return nil
}

// pendingAcceptLocked returns the link an accept frame must be written to,
// if the local side accepted and the frame has not been sent yet.
func (t *Transport) pendingAcceptLocked(endpoint string) *link {
	l := t.links[endpoint]
	if l == nil || !t.accepted[endpoint] || t.sentAccept[endpoint] {
		return nil
	}
	t.sentAccept[endpoint] = true
	return l
}

// Send delivers data to a connected device.
func (t *Transport) Send(ctx context.Context, endpoint string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.table.Connected(endpoint) {
		return transport.ErrNotConnected
	}
	t.mu.Lock()
	l := t.links[endpoint]
	from := t.localName
	t.mu.Unlock()
	if l == nil {
		return transport.ErrNotConnected
	}
	return t.writeEnvelope(l, &codec.Envelope{Kind: codec.KindData, From: from, Data: data})
}

func (t *Transport) writeEnvelope(l *link, env *codec.Envelope) error {
	data, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(t.cfg.IOTimeout))
	return codec.WriteFrame(l.conn, data)
}

func readEnvelope(conn net.Conn) (*codec.Envelope, error) {
	data, err := codec.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return codec.DecodeEnvelope(data)
}

func (t *Transport) dial(localName, endpoint, addr string) {
	defer t.loops.Done()
	conn, err := net.DialTimeout("tcp4", addr, t.cfg.IOTimeout)
	if err != nil {
		t.log.Debug("dial failed", "peer", endpoint, "error", err)
		t.table.Drop(endpoint)
		return
	}
	l := &link{conn: conn}

	t.mu.Lock()
	service := t.advService
	if service == "" {
		service = t.discService
	}
	t.mu.Unlock()

	hello := &codec.Envelope{Kind: codec.KindHello, From: localName, To: endpoint, Service: service}
	if err := t.writeEnvelope(l, hello); err != nil {
		t.log.Debug("hello failed", "peer", endpoint, "error", err)
		conn.Close()
		t.table.Drop(endpoint)
		return
	}
	if !t.attach(endpoint, l) {
		conn.Close()
		return
	}
	t.loops.Add(1)
	go t.readLoop(endpoint, l)
}

// attach registers l as the connection to endpoint and sends a deferred
// accept. It returns false when the handshake was abandoned meanwhile.
func (t *Transport) attach(endpoint string, l *link) bool {
	t.mu.Lock()
	if !t.table.Known(endpoint) {
		t.mu.Unlock()
		return false
	}
	if old := t.links[endpoint]; old != nil {
		old.conn.Close()
	}
	t.links[endpoint] = l
	pending := t.pendingAcceptLocked(endpoint)
	from := t.localName
	t.mu.Unlock()

	if pending != nil {
		if err := t.writeEnvelope(pending, &codec.Envelope{Kind: codec.KindAccept, From: from}); err != nil {
			t.log.Debug("accept failed", "peer", endpoint, "error", err)
		}
	}
	return true
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.loops.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t.loops.Add(1)
		go t.serveIncoming(conn)
	}
}

func (t *Transport) serveIncoming(conn net.Conn) {
	defer t.loops.Done()

	conn.SetReadDeadline(time.Now().Add(t.cfg.IOTimeout))
	hello, err := readEnvelope(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil || hello.Kind != codec.KindHello {
		t.log.Debug("dropping connection without hello", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	endpoint := hello.From
	l := &link{conn: conn}

	t.mu.Lock()
	ok := t.table.Known(endpoint) || (t.advertising && hello.Service == t.advService)
	h := t.advHandler
	from := t.localName
	if from == "" && t.tcp != nil {
		from = t.tcp.Addr().String()
	}
	if ok {
		t.table.HandleHello(endpoint, endpoint, h)
	}
	t.mu.Unlock()

	if !ok {
		t.writeEnvelope(l, &codec.Envelope{Kind: codec.KindBye, From: from})
		conn.Close()
		return
	}
	if !t.attach(endpoint, l) {
		conn.Close()
		return
	}
	t.loops.Add(1)
	go t.readLoop(endpoint, l)
}

func (t *Transport) readLoop(endpoint string, l *link) {
	defer t.loops.Done()
	defer t.dropLink(endpoint, l)

	for {
		env, err := readEnvelope(l.conn)
		if err != nil {
			return
		}
		switch env.Kind {
		case codec.KindAccept:
			t.table.HandleAccept(endpoint)
		case codec.KindData:
			if !t.table.HandleData(endpoint, env.Data) {
				t.log.Debug("dropping data before connection", "peer", endpoint)
			}
		case codec.KindBye:
			return
		}
	}
}

// dropLink forgets l if it is still the connection to endpoint.
func (t *Transport) dropLink(endpoint string, l *link) {
	l.conn.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[endpoint] != l {
		return
	}
	delete(t.links, endpoint)
	delete(t.accepted, endpoint)
	delete(t.sentAccept, endpoint)
	t.table.Drop(endpoint)
}

func (t *Transport) broadcastBeacon(ctx context.Context) error {
	t.mu.Lock()
	targets := append([]*net.UDPAddr(nil), t.targets...)
	t.mu.Unlock()

	var errs error
	sent := 0
	for _, addr := range targets {
		if err := t.sendBeacon(addr); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return errs
	}
	return nil
}

func (t *Transport) sendBeacon(addr *net.UDPAddr) error {
	t.mu.Lock()
	if !t.advertising || t.udp == nil {
		t.mu.Unlock()
		return nil
	}
	b := beacon{
		Type:    beaconType,
		Service: t.advService,
		Name:    t.localName,
		Port:    t.tcp.Addr().(*net.TCPAddr).Port,
	}
	udp := t.udp
	t.mu.Unlock()

	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = udp.WriteToUDP(data, addr)
	return err
}

func (t *Transport) readBeacons(udp *net.UDPConn) {
	defer t.loops.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Type != beaconType || b.Name == "" {
			continue
		}
		t.handleBeacon(b, from)
	}
}

func (t *Transport) handleBeacon(b beacon, from *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b.Name == t.localName {
		return
	}
	t.peers[b.Name] = &peerAddr{
		service: b.Service,
		data:    net.JoinHostPort(from.IP.String(), fmt.Sprint(b.Port)),
		beacon:  from,
	}
	if !t.discovering || b.Service != t.discService {
		return
	}
	if !t.live.Seen(b.Name) {
		return
	}
	h := t.discHandler
	name := b.Name
	info := transport.EndpointInfo{Name: b.Name, ServiceID: b.Service}
	t.events.Push(func() { h.Found(name, info) })
}

func (t *Transport) handleLost(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.discovering {
		return
	}
	h := t.discHandler
	t.events.Push(func() { h.Lost(endpoint) })
}
