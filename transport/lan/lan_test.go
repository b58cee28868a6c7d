package lan

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/sosmesh-go/core/codec"
	"github.com/kabili207/sosmesh-go/core/connection"
	"github.com/kabili207/sosmesh-go/transport"
)

const service = "sosmesh-test"

// freeUDPAddr reserves a loopback UDP port and releases it for reuse.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := c.LocalAddr().String()
	c.Close()
	return addr
}

func newLoopback(t *testing.T, beaconAddr string, targets ...string) *Transport {
	t.Helper()
	tr := New(Config{
		ListenAddr:     "127.0.0.1:0",
		BeaconAddr:     beaconAddr,
		BeaconTargets:  targets,
		BeaconInterval: 20 * time.Millisecond,
		PeerTimeout:    300 * time.Millisecond,
		IOTimeout:      time.Second,
	})
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) add(from string, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, from+":"+string(data))
}

func (i *inbox) has(s string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, m := range i.msgs {
		if m == s {
			return true
		}
	}
	return false
}

func startManager(t *testing.T, tr transport.Transport, name string, in *inbox) *connection.Manager {
	t.Helper()
	m := connection.NewManager(tr, connection.ManagerConfig{
		LocalName:     name,
		ServiceID:     service,
		RetryInterval: 20 * time.Millisecond,
	})
	m.SetPayloadHandler(in.add)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{})
	if tr.cfg.BeaconInterval != DefaultBeaconInterval {
		t.Errorf("BeaconInterval = %v, want %v", tr.cfg.BeaconInterval, DefaultBeaconInterval)
	}
	if len(tr.cfg.BeaconTargets) != 1 || tr.cfg.BeaconTargets[0] != "255.255.255.255:47800" {
		t.Errorf("BeaconTargets = %v, want broadcast", tr.cfg.BeaconTargets)
	}
	if tr.BeaconAddr() != "" || tr.Addr() != "" {
		t.Error("sockets open before Listen")
	}
}

func TestTransport_Discovery(t *testing.T) {
	aAddr, bAddr := freeUDPAddr(t), freeUDPAddr(t)
	a := newLoopback(t, aAddr, bAddr)
	b := newLoopback(t, bAddr, aAddr)
	ctx := context.Background()

	found := make(chan transport.EndpointInfo, 8)
	if err := a.StartDiscovery(ctx, service, transport.DiscoveryHandler{
		OnEndpointFound: func(id string, info transport.EndpointInfo) { found <- info },
	}); err != nil {
		t.Fatalf("StartDiscovery() error = %v", err)
	}
	if err := b.StartAdvertising(ctx, "bravo", service, transport.ConnectionHandler{}); err != nil {
		t.Fatalf("StartAdvertising() error = %v", err)
	}

	select {
	case info := <-found:
		if info.Name != "bravo" || info.ServiceID != service {
			t.Errorf("found %+v, want bravo/%s", info, service)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bravo never discovered")
	}

	// Repeated beacons do not report the endpoint again.
	time.Sleep(100 * time.Millisecond)
	if len(found) != 0 {
		t.Errorf("endpoint reported %d more times", len(found))
	}
}

func TestTransport_IgnoresOtherServices(t *testing.T) {
	aAddr, bAddr := freeUDPAddr(t), freeUDPAddr(t)
	a := newLoopback(t, aAddr, bAddr)
	b := newLoopback(t, bAddr, aAddr)
	ctx := context.Background()

	var mu sync.Mutex
	var found []string
	a.StartDiscovery(ctx, service, transport.DiscoveryHandler{
		OnEndpointFound: func(id string, _ transport.EndpointInfo) {
			mu.Lock()
			found = append(found, id)
			mu.Unlock()
		},
	})
	b.StartAdvertising(ctx, "bravo", "other-mesh", transport.ConnectionHandler{})

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(found) != 0 {
		t.Errorf("found %v on a different service", found)
	}
}

func TestTransport_ManagersConnectAndExchange(t *testing.T) {
	aAddr, bAddr := freeUDPAddr(t), freeUDPAddr(t)
	a := newLoopback(t, aAddr, bAddr)
	b := newLoopback(t, bAddr, aAddr)

	aIn, bIn := &inbox{}, &inbox{}
	ma := startManager(t, a, "alpha", aIn)
	mb := startManager(t, b, "bravo", bIn)

	waitFor(t, "both sides connected", func() bool {
		return ma.IsConnected("bravo") && mb.IsConnected("alpha")
	})

	ctx := context.Background()
	if err := ma.Send(ctx, "bravo", []byte("from alpha")); err != nil {
		t.Fatalf("alpha Send() error = %v", err)
	}
	if err := mb.Send(ctx, "alpha", []byte("from bravo")); err != nil {
		t.Fatalf("bravo Send() error = %v", err)
	}
	waitFor(t, "payloads", func() bool {
		return bIn.has("alpha:from alpha") && aIn.has("bravo:from bravo")
	})
}

// Beacons only travel from alpha to bravo. Bravo, the larger name, answers
// its own connection request with a unicast beacon so alpha can dial.
func TestTransport_OneWayBeacons(t *testing.T) {
	aAddr, bAddr := freeUDPAddr(t), freeUDPAddr(t)
	a := newLoopback(t, aAddr, bAddr)
	b := newLoopback(t, bAddr, freeUDPAddr(t))

	ma := startManager(t, a, "alpha", &inbox{})
	mb := startManager(t, b, "bravo", &inbox{})

	waitFor(t, "both sides connected", func() bool {
		return ma.IsConnected("bravo") && mb.IsConnected("alpha")
	})
}

func TestTransport_PeerStopDisconnectsAndTimesOut(t *testing.T) {
	aAddr, bAddr := freeUDPAddr(t), freeUDPAddr(t)
	a := newLoopback(t, aAddr, bAddr)
	b := newLoopback(t, bAddr, aAddr)

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	has := func(s string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == s {
				return true
			}
		}
		return false
	}

	ma := connection.NewManager(a, connection.ManagerConfig{LocalName: "alpha", ServiceID: service})
	ma.SetOnPeerDisconnected(func(id string) { record("disconnected " + id) })
	ma.Start(context.Background())
	t.Cleanup(ma.Stop)
	mb := startManager(t, b, "bravo", &inbox{})

	waitFor(t, "connection", func() bool { return ma.IsConnected("bravo") })

	mb.Stop()
	waitFor(t, "disconnect", func() bool { return has("disconnected bravo") })
	waitFor(t, "endpoint forgotten", func() bool { return len(ma.Endpoints()) == 0 })
	if ma.IsConnected("bravo") {
		t.Error("bravo still connected")
	}
}

func TestTransport_RejectsHelloWhenNotAdvertising(t *testing.T) {
	a := newLoopback(t, freeUDPAddr(t), freeUDPAddr(t))

	conn, err := net.Dial("tcp4", a.Addr())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	hello, _ := codec.EncodeEnvelope(&codec.Envelope{Kind: codec.KindHello, From: "stranger", Service: service})
	if err := codec.WriteFrame(conn, hello); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	env, err := codec.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Kind != codec.KindBye {
		t.Errorf("reply kind = %s, want bye", env.Kind)
	}
	if env.From != a.Addr() {
		t.Errorf("bye from = %q, want listen address %q", env.From, a.Addr())
	}
}

func TestTransport_RefusingByeUsesConfiguredName(t *testing.T) {
	tr := New(Config{
		ListenAddr:    "127.0.0.1:0",
		BeaconAddr:    freeUDPAddr(t),
		BeaconTargets: []string{freeUDPAddr(t)},
		IOTimeout:     time.Second,
		Name:          "delta",
	})
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	conn, err := net.Dial("tcp4", tr.Addr())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	hello, _ := codec.EncodeEnvelope(&codec.Envelope{Kind: codec.KindHello, From: "stranger", Service: "other"})
	if err := codec.WriteFrame(conn, hello); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	env, err := codec.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Kind != codec.KindBye || env.From != "delta" {
		t.Errorf("reply = %s from %q, want bye from delta", env.Kind, env.From)
	}
}

func TestTransport_Errors(t *testing.T) {
	a := newLoopback(t, freeUDPAddr(t), freeUDPAddr(t))
	ctx := context.Background()

	if err := a.RequestConnection(ctx, "alpha", "ghost", transport.ConnectionHandler{}); !errors.Is(err, transport.ErrUnknownEndpoint) {
		t.Errorf("RequestConnection(unknown) error = %v, want ErrUnknownEndpoint", err)
	}
	if err := a.AcceptConnection(ctx, "ghost", nil); !errors.Is(err, transport.ErrUnknownEndpoint) {
		t.Errorf("AcceptConnection(unknown) error = %v, want ErrUnknownEndpoint", err)
	}
	if err := a.Send(ctx, "ghost", []byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Send(unknown) error = %v, want ErrNotConnected", err)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := a.Listen(); !errors.Is(err, ErrClosed) {
		t.Errorf("Listen() after Close error = %v, want ErrClosed", err)
	}
}
