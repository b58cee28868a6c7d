// Package serial provides a point-to-point transport over a serial line,
// typically a USB radio modem or a direct cable between two devices.
//
// Envelopes are split into fragments of at most 240 bytes and each
// fragment is sent in an RS232 frame with a Fletcher-16 checksum. The
// reader resynchronizes on the frame magic after line noise. The single
// remote announces itself with beacons and then follows the same hello,
// accept, data and bye exchange as the other transports.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/sosmesh-go/core/advert"
	"github.com/kabili207/sosmesh-go/core/codec"
	"github.com/kabili207/sosmesh-go/core/multipart"
	"github.com/kabili207/sosmesh-go/transport"
	"github.com/kabili207/sosmesh-go/transport/session"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for serial links.
	DefaultBaudRate = 115200
	// DefaultBeaconInterval is the period between beacons on the line.
	DefaultBeaconInterval = 2 * time.Second

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

var (
	ErrMissingPort = errors.New("serial port is required")
	ErrNotOpen     = errors.New("serial port not open")
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// BeaconInterval is the period between beacons. Default: 2 seconds.
	BeaconInterval time.Duration
	// PeerTimeout is how long the remote stays discovered without a beacon.
	// Default: session.DefaultPeerTimeout.
	PeerTimeout time.Duration
	// Name identifies this device in frames sent before it starts
	// advertising, such as the bye that refuses a hello. StartAdvertising
	// replaces it. Default: the port path, or "serial" when unset.
	Name string
	// MaxFragment caps the size of one fragment, header included.
	// Default: multipart.DefaultMaxFragment.
	MaxFragment int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	events *session.EventQueue
	table  *session.Table
	live   *session.Liveness
	reasm  *multipart.Reassembler
	seq    atomic.Uint32

	// dispatch handles every reassembled envelope. Tests replace it.
	dispatch func(env *codec.Envelope)

	writeMu sync.Mutex

	mu      sync.RWMutex
	port    io.ReadWriteCloser
	closing bool
	done    chan struct{}

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
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	if cfg.MaxFragment <= multipart.HeaderSize || cfg.MaxFragment > codec.MaxSerialPayload {
		cfg.MaxFragment = multipart.DefaultMaxFragment
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Port
	}
	if cfg.Name == "" {
		cfg.Name = "serial"
	}

	events := session.NewEventQueue()
	t := &Transport{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("serial"),
		events: events,
		table:  session.NewTable(events),
		live:   session.NewLiveness(session.LivenessConfig{Timeout: cfg.PeerTimeout, Logger: cfg.Logger}),
		reasm:  multipart.New(),
	}
	t.dispatch = t.handleEnvelope
	t.live.SetOnLost(t.handleLost)
	return t
}

// Open opens the serial port and begins reading frames.
func (t *Transport) Open() error {
	if t.cfg.Port == "" {
		return ErrMissingPort
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}
	t.attach(port)
	t.log.Info("opened serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)
	return nil
}

// attach starts reading from an already open line.
func (t *Transport) attach(port io.ReadWriteCloser) {
	done := make(chan struct{})
	t.mu.Lock()
	t.port = port
	t.closing = false
	t.done = done
	t.mu.Unlock()

	go t.readLoop(port, done)
}

// Close says bye to the remote, closes the port and stops the read loop.
func (t *Transport) Close() error {
	t.StopAll()

	t.mu.Lock()
	port, done := t.port, t.done
	t.port = nil
	t.closing = true
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// IsOpen returns true if the serial port is open.
func (t *Transport) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.port != nil
}

// runContextLocked returns the context of the current session, starting
// one and its liveness loop if needed.
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

// StartAdvertising sends beacons on the line and answers hellos.
func (t *Transport) StartAdvertising(ctx context.Context, localName, serviceID string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsOpen() {
		return ErrNotOpen
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.localName = localName
	t.advService = serviceID
	t.advHandler = h
	if t.advertising {
		return nil
	}
	t.advertising = true

	runCtx := t.runContextLocked()
	sched := advert.NewScheduler(t.sendBeacon, advert.SchedulerConfig{
		Interval: t.cfg.BeaconInterval,
		Logger:   t.cfg.Logger,
	})
	t.run.Add(1)
	go func() {
		defer t.run.Done()
		sched.Start(runCtx)
	}()
	t.log.Debug("advertising", "name", localName)
	return nil
}

// StartDiscovery reports the remote once its beacons arrive.
func (t *Transport) StartDiscovery(ctx context.Context, serviceID string, h transport.DiscoveryHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsOpen() {
		return ErrNotOpen
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovering = true
	t.discService = serviceID
	t.discHandler = h
	t.live.Clear()
	t.runContextLocked()
	return nil
}

// StopAll says bye to the remote and stops beacons. The port stays open.
func (t *Transport) StopAll() {
	t.mu.Lock()
	cancel := t.runCancel
	t.runCtx, t.runCancel = nil, nil
	from := t.localName
	t.advertising, t.discovering = false, false
	t.advHandler = transport.ConnectionHandler{}
	t.discHandler = transport.DiscoveryHandler{}
	peers := t.table.Reset()
	t.live.Clear()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.run.Wait()
	t.reasm.Clear()

	for _, id := range peers {
		if err := t.writeEnvelope(&codec.Envelope{Kind: codec.KindBye, From: from, To: id}); err != nil {
			t.log.Debug("bye failed", "peer", id, "error", err)
		}
	}
}

// RequestConnection sends a hello to the remote.
func (t *Transport) RequestConnection(ctx context.Context, localName, endpoint string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsOpen() {
		return ErrNotOpen
	}
	if !t.live.Alive(endpoint) {
		return transport.ErrUnknownEndpoint
	}
	t.mu.Lock()
	service := t.serviceLocked()
	if t.localName == "" {
		t.localName = localName
	}
	t.mu.Unlock()

	if !t.table.Request(endpoint, endpoint, h) {
		return nil
	}
	hello := &codec.Envelope{Kind: codec.KindHello, From: localName, To: endpoint, Service: service}
	if err := t.writeEnvelope(hello); err != nil {
		t.table.Drop(endpoint)
		return err
	}
	return nil
}

// AcceptConnection accepts a handshake and tells the remote.
func (t *Transport) AcceptConnection(ctx context.Context, endpoint string, onPayload transport.PayloadHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.table.Accept(endpoint, onPayload); err != nil {
		return err
	}
	t.mu.RLock()
	from := t.localName
	t.mu.RUnlock()
	return t.writeEnvelope(&codec.Envelope{Kind: codec.KindAccept, From: from, To: endpoint})
}

// Send writes data to the connected remote.
func (t *Transport) Send(ctx context.Context, endpoint string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.table.Connected(endpoint) {
		return transport.ErrNotConnected
	}
	t.mu.RLock()
	from := t.localName
	t.mu.RUnlock()
	return t.writeEnvelope(&codec.Envelope{Kind: codec.KindData, From: from, To: endpoint, Data: data})
}

func (t *Transport) serviceLocked() string {
	if t.advService != "" {
		return t.advService
	}
	return t.discService
}

func (t *Transport) sendBeacon(_ context.Context) error {
	t.mu.RLock()
	from, service, advertising := t.localName, t.advService, t.advertising
	t.mu.RUnlock()
	if !advertising {
		return nil
	}
	return t.writeEnvelope(&codec.Envelope{Kind: codec.KindBeacon, From: from, Service: service})
}

// writeEnvelope fragments env and writes one RS232 frame per fragment.
func (t *Transport) writeEnvelope(env *codec.Envelope) error {
	data, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	frags, err := multipart.Split(uint16(t.seq.Add(1)), data, t.cfg.MaxFragment)
	if err != nil {
		return err
	}

	t.mu.RLock()
	port := t.port
	t.mu.RUnlock()
	if port == nil {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, frag := range frags {
		frame, err := codec.EncodeSerialFrame(frag)
		if err != nil {
			return fmt.Errorf("encoding RS232 frame: %w", err)
		}
		if _, err := port.Write(frame); err != nil {
			return fmt.Errorf("writing to serial port: %w", err)
		}
	}
	return nil
}

// readLoop continuously reads from the port and assembles RS232 frames.
func (t *Transport) readLoop(port io.ReadWriteCloser, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		n, err := port.Read(buf)
		if n > 0 {
			assemblyBuf = append(assemblyBuf, buf[:n]...)
			assemblyBuf = t.processFrames(assemblyBuf)
		}
		if err != nil {
			t.handleDisconnect(port, err)
			return
		}
	}
}

// processFrames extracts complete RS232 frames from the buffer and
// dispatches reassembled envelopes. Returns any remaining bytes that don't
// form a complete frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinSerialFrameSize {
		payload, remaining, err := codec.DecodeSerialFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data // wait for more data
			}
			// Bad frame, try to find the next magic bytes
			if idx := codec.FindSerialMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			// Keep a trailing magic byte that may start the next frame.
			return data[len(data)-1:]
		}

		data = remaining

		frag, err := multipart.ParseFragment(payload)
		if err != nil {
			t.log.Debug("failed to parse fragment from frame", "error", err)
			continue
		}
		whole := t.reasm.HandleFragment(frag)
		if whole == nil {
			continue
		}
		env, err := codec.DecodeEnvelope(whole)
		if err != nil {
			t.log.Debug("failed to decode envelope", "error", err)
			continue
		}
		t.dispatch(env)
	}

	return data
}

func (t *Transport) handleEnvelope(env *codec.Envelope) {
	t.mu.RLock()
	self := t.localName
	t.mu.RUnlock()
	if env.From == self || (env.To != "" && self != "" && env.To != self) {
		return
	}

	switch env.Kind {
	case codec.KindBeacon:
		t.handleBeacon(env)
	case codec.KindHello:
		t.mu.RLock()
		ok := t.advertising && env.Service == t.advService
		h := t.advHandler
		t.mu.RUnlock()
		if !ok && !t.table.Known(env.From) {
			// The read loop must never block on a write.
			from := self
			if from == "" {
				from = t.cfg.Name
			}
			bye := &codec.Envelope{Kind: codec.KindBye, From: from, To: env.From}
			go t.writeEnvelope(bye)
			return
		}
		t.table.HandleHello(env.From, env.From, h)
	case codec.KindAccept:
		t.table.HandleAccept(env.From)
	case codec.KindData:
		if !t.table.HandleData(env.From, env.Data) {
			t.log.Debug("dropping data before connection", "peer", env.From)
		}
	case codec.KindBye:
		t.table.Drop(env.From)
	}
}

func (t *Transport) handleBeacon(env *codec.Envelope) {
	t.mu.RLock()
	discovering, service, h := t.discovering, t.discService, t.discHandler
	t.mu.RUnlock()
	if !discovering || env.Service != service {
		return
	}
	if !t.live.Seen(env.From) {
		return
	}
	name := env.From
	info := transport.EndpointInfo{Name: env.From, ServiceID: env.Service}
	t.events.Push(func() { h.Found(name, info) })
}

func (t *Transport) handleLost(endpoint string) {
	t.mu.RLock()
	discovering, h := t.discovering, t.discHandler
	t.mu.RUnlock()
	if !discovering {
		return
	}
	t.events.Push(func() { h.Lost(endpoint) })
}

func (t *Transport) handleDisconnect(port io.ReadWriteCloser, err error) {
	t.mu.Lock()
	closing := t.closing
	if t.port == port {
		t.port = nil
	}
	t.mu.Unlock()

	if !closing {
		t.log.Error("serial disconnected", "error", err)
		port.Close()
	}
	for _, id := range t.table.Endpoints() {
		t.table.Drop(id)
	}
	for _, id := range t.live.Endpoints() {
		t.live.Remove(id)
		t.handleLost(id)
	}
	t.reasm.Clear()
}
