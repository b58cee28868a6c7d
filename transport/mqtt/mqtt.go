// Package mqtt provides an MQTT transport that bridges SOS mesh devices
// through a broker when one happens to be reachable (a community server, a
// responder's gateway). The mesh never depends on it; it is one more way
// for devices to meet.
//
// Devices announce themselves with beacons on
// "{prefix}/{service}/presence" and receive handshake and data envelopes
// on their own "{prefix}/{service}/node/{name}" topic. Envelopes follow the
// same hello, accept, data and bye exchange as the other transports.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/sosmesh-go/core/advert"
	"github.com/kabili207/sosmesh-go/core/codec"
	"github.com/kabili207/sosmesh-go/transport"
	"github.com/kabili207/sosmesh-go/transport/session"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "sosmesh"
	// DefaultBeaconInterval is the period between presence beacons.
	DefaultBeaconInterval = 10 * time.Second
	// DefaultPeerTimeout is how long a device stays discovered without a
	// presence beacon.
	DefaultPeerTimeout = 35 * time.Second

	publishTimeout = 10 * time.Second
)

var (
	ErrMissingBroker = errors.New("broker URL is required")
	ErrNotConnected  = errors.New("not connected to broker")
)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "sosmesh").
	TopicPrefix string
	// BeaconInterval is the period between presence beacons.
	// Default: 10 seconds.
	BeaconInterval time.Duration
	// PeerTimeout is how long a device stays discovered without a beacon.
	// Default: 35 seconds.
	PeerTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// broker is the part of paho.Client the transport uses.
type broker interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	events *session.EventQueue
	table  *session.Table
	live   *session.Liveness

	mu        sync.RWMutex
	client    broker
	connected bool

	localName   string
	advertising bool
	advService  string
	advHandler  transport.ConnectionHandler
	discovering bool
	discService string
	discHandler transport.DiscoveryHandler
	subscribed  map[string]paho.MessageHandler

	runCtx    context.Context
	runCancel context.CancelFunc
	run       sync.WaitGroup
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	events := session.NewEventQueue()
	t := &Transport{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("mqtt"),
		events: events,
		table:  session.NewTable(events),
		live:   session.NewLiveness(session.LivenessConfig{Timeout: cfg.PeerTimeout, Logger: cfg.Logger}),

		subscribed: make(map[string]paho.MessageHandler),
	}
	t.live.SetOnLost(t.handleLost)
	return t
}

// Connect connects to the MQTT broker.
func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return ErrMissingBroker
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "sosmesh-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// Close stops the mesh session and disconnects from the broker.
func (t *Transport) Close() error {
	t.StopAll()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

func (t *Transport) presenceTopic(service string) string {
	return t.cfg.TopicPrefix + "/" + service + "/presence"
}

func (t *Transport) nodeTopic(service, name string) string {
	return t.cfg.TopicPrefix + "/" + service + "/node/" + name
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

// StartAdvertising subscribes to this device's node topic and publishes
// presence beacons.
func (t *Transport) StartAdvertising(ctx context.Context, localName, serviceID string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	topic := t.nodeTopic(serviceID, localName)
	if err := t.subscribe(topic, t.handleEnvelope); err != nil {
		return err
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
	sched := advert.NewScheduler(t.publishBeacon, advert.SchedulerConfig{
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

// StartDiscovery subscribes to the presence topic of serviceID.
func (t *Transport) StartDiscovery(ctx context.Context, serviceID string, h transport.DiscoveryHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	topic := t.presenceTopic(serviceID)
	if err := t.subscribe(topic, t.handlePresence); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovering = true
	t.discService = serviceID
	t.discHandler = h
	t.live.Clear()
	t.runContextLocked()
	t.log.Debug("discovering", "service", serviceID)
	return nil
}

// StopAll says bye to every known device, unsubscribes and stops beacons.
func (t *Transport) StopAll() {
	t.mu.Lock()
	cancel := t.runCancel
	t.runCtx, t.runCancel = nil, nil
	topics := make([]string, 0, len(t.subscribed))
	for topic := range t.subscribed {
		topics = append(topics, topic)
	}
	clear(t.subscribed)
	service, from := t.advService, t.localName
	if service == "" {
		service = t.discService
	}
	t.advertising, t.discovering = false, false
	t.advHandler = transport.ConnectionHandler{}
	t.discHandler = transport.DiscoveryHandler{}
	peers := t.table.Reset()
	t.live.Clear()
	client := t.client
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.run.Wait()

	if client == nil || !client.IsConnected() {
		return
	}
	for _, id := range peers {
		t.publish(service, id, &codec.Envelope{Kind: codec.KindBye, From: from, To: id})
	}
	if len(topics) > 0 {
		t.wait(client.Unsubscribe(topics...))
	}
}

// RequestConnection sends a hello to a discovered device.
func (t *Transport) RequestConnection(ctx context.Context, localName, endpoint string, h transport.ConnectionHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	service := t.discService
	if service == "" {
		service = t.advService
	}
	if t.localName == "" {
		t.localName = localName
	}
	t.mu.Unlock()

	if !t.table.Request(endpoint, endpoint, h) {
		return nil
	}
	hello := &codec.Envelope{Kind: codec.KindHello, From: localName, To: endpoint, Service: service}
	if err := t.publish(service, endpoint, hello); err != nil {
		t.table.Drop(endpoint)
		return err
	}
	return nil
}

// AcceptConnection accepts a handshake and tells the other device.
func (t *Transport) AcceptConnection(ctx context.Context, endpoint string, onPayload transport.PayloadHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.table.Accept(endpoint, onPayload); err != nil {
		return err
	}
	t.mu.RLock()
	service, from := t.serviceLocked(), t.localName
	t.mu.RUnlock()
	return t.publish(service, endpoint, &codec.Envelope{Kind: codec.KindAccept, From: from, To: endpoint})
}

// Send publishes data to a connected device.
func (t *Transport) Send(ctx context.Context, endpoint string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.table.Connected(endpoint) {
		return transport.ErrNotConnected
	}
	t.mu.RLock()
	service, from := t.serviceLocked(), t.localName
	t.mu.RUnlock()
	return t.publish(service, endpoint, &codec.Envelope{Kind: codec.KindData, From: from, To: endpoint, Data: data})
}

func (t *Transport) serviceLocked() string {
	if t.advService != "" {
		return t.advService
	}
	return t.discService
}

// subscribe subscribes to topic and remembers it for resubscription after
// a reconnect.
func (t *Transport) subscribe(topic string, handler paho.MessageHandler) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if err := t.wait(client.Subscribe(topic, 1, handler)); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	t.mu.Lock()
	t.subscribed[topic] = handler
	t.mu.Unlock()
	t.log.Debug("subscribed", "topic", topic)
	return nil
}

func (t *Transport) publish(service, endpoint string, env *codec.Envelope) error {
	data, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	return t.wait(client.Publish(t.nodeTopic(service, endpoint), 1, false, data))
}

func (t *Transport) publishBeacon(_ context.Context) error {
	t.mu.RLock()
	client := t.client
	service, from, advertising := t.advService, t.localName, t.advertising
	t.mu.RUnlock()
	if !advertising {
		return nil
	}
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	data, err := codec.EncodeEnvelope(&codec.Envelope{Kind: codec.KindBeacon, From: from, Service: service})
	if err != nil {
		return err
	}
	return t.wait(client.Publish(t.presenceTopic(service), 0, false, data))
}

func (t *Transport) wait(token paho.Token) error {
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout waiting for broker")
	}
	return token.Error()
}

func (t *Transport) handlePresence(_ paho.Client, msg paho.Message) {
	env, err := codec.DecodeEnvelope(msg.Payload())
	if err != nil || env.Kind != codec.KindBeacon {
		t.log.Debug("ignoring presence message", "topic", msg.Topic(), "error", err)
		return
	}

	t.mu.RLock()
	discovering, service, self, h := t.discovering, t.discService, t.localName, t.discHandler
	t.mu.RUnlock()
	if !discovering || env.From == self || env.Service != service {
		return
	}
	if !t.live.Seen(env.From) {
		return
	}
	name := env.From
	info := transport.EndpointInfo{Name: env.From, ServiceID: env.Service}
	t.events.Push(func() { h.Found(name, info) })
}

func (t *Transport) handleEnvelope(_ paho.Client, msg paho.Message) {
	env, err := codec.DecodeEnvelope(msg.Payload())
	if err != nil {
		t.log.Debug("ignoring node message", "topic", msg.Topic(), "error", err)
		return
	}

	switch env.Kind {
	case codec.KindHello:
		t.mu.RLock()
		ok := t.advertising && env.Service == t.advService
		h, from := t.advHandler, t.localName
		t.mu.RUnlock()
		if !ok && !t.table.Known(env.From) {
			t.publish(env.Service, env.From, &codec.Envelope{Kind: codec.KindBye, From: from, To: env.From})
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

func (t *Transport) handleLost(endpoint string) {
	t.mu.RLock()
	discovering, h := t.discovering, t.discHandler
	t.mu.RUnlock()
	if !discovering {
		return
	}
	t.events.Push(func() { h.Lost(endpoint) })
}

func (t *Transport) onConnected(client paho.Client) {
	t.mu.Lock()
	t.connected = true
	subs := make(map[string]paho.MessageHandler, len(t.subscribed))
	for topic, h := range t.subscribed {
		subs[topic] = h
	}
	t.mu.Unlock()

	// Clean sessions drop subscriptions across reconnects.
	for topic, h := range subs {
		client.Subscribe(topic, 1, h)
	}
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)
	for _, id := range t.table.Endpoints() {
		t.table.Drop(id)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.log.Info("reconnecting to MQTT broker")
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
