// Package mesh assembles an SOS mesh device: a connection Manager that
// keeps the device connected to every reachable peer, a gossip Engine that
// floods the message store across those connections, and the operations
// an application needs on top (publish, acknowledge, inspect).
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kabili207/sosmesh-go/core/clock"
	"github.com/kabili207/sosmesh-go/core/connection"
	"github.com/kabili207/sosmesh-go/core/gossip"
	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
	"github.com/kabili207/sosmesh-go/transport"
)

var ErrMissingSelfID = errors.New("mesh: self id is required")

// Config configures a mesh Service.
type Config struct {
	// SelfID identifies this device. It is the origin of published messages
	// and the name advertised to peers. Required.
	SelfID string

	// ServiceID is the service tag shared by every device of one mesh.
	// Default: connection.DefaultServiceID.
	ServiceID string

	// BroadcastDelay is the gossip settle delay.
	// Default: gossip.DefaultBroadcastDelay.
	BroadcastDelay time.Duration

	// RetryInterval is the backoff for failed advertising/discovery starts.
	// Default: connection.DefaultRetryInterval.
	RetryInterval time.Duration

	// Notifier receives messages newly learned from peers. Optional.
	Notifier gossip.Notifier

	// Clock stamps published messages. Default: clock.New().
	Clock *clock.Clock

	// Logger for mesh events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Service is one SOS mesh device.
type Service struct {
	cfg     Config
	log     *slog.Logger
	store   store.Store
	manager *connection.Manager
	engine  *gossip.Engine
	clock   *clock.Clock

	mu      sync.Mutex
	running bool
}

// New creates a mesh service over st and tr. It does not start anything.
func New(st store.Store, tr transport.Transport, cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, ErrMissingSelfID
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	manager := connection.NewManager(tr, connection.ManagerConfig{
		LocalName:     cfg.SelfID,
		ServiceID:     cfg.ServiceID,
		RetryInterval: cfg.RetryInterval,
		Logger:        logger,
	})
	engine := gossip.NewEngine(st, manager, gossip.EngineConfig{
		SelfID:         cfg.SelfID,
		BroadcastDelay: cfg.BroadcastDelay,
		Notifier:       cfg.Notifier,
		Logger:         logger,
	})
	manager.SetPayloadHandler(engine.HandlePayload)
	manager.SetOnPeerConnected(engine.OnPeerConnected)

	return &Service{
		cfg:     cfg,
		log:     logger.WithGroup("mesh"),
		store:   st,
		manager: manager,
		engine:  engine,
		clock:   cfg.Clock,
	}, nil
}

// SelfID returns this device's identifier.
func (s *Service) SelfID() string { return s.cfg.SelfID }

// Store returns the message store the service synchronizes.
func (s *Service) Store() store.Store { return s.store }

// SetOnPeerDisconnected registers a callback for connected peers going away.
func (s *Service) SetOnPeerDisconnected(fn func(id string)) {
	s.manager.SetOnPeerDisconnected(fn)
}

// StartMesh starts the connection manager and the gossip engine. Calling it
// while running restarts both.
func (s *Service) StartMesh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.engine.Start(ctx)
	s.manager.Start(ctx)
	s.running = true
	s.log.Info("mesh started", "self", s.cfg.SelfID)
}

// StopMesh stops the gossip engine and tears down every connection.
func (s *Service) StopMesh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if !s.running {
		return
	}
	s.manager.Stop()
	s.engine.Stop()
	s.running = false
	s.log.Info("mesh stopped")
}

// Running reports whether the mesh is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Publish authors a new message on this device. Empty text and category
// fall back to the default SOS alert.
func (s *Service) Publish(ctx context.Context, p message.Payload) (*message.Message, error) {
	if p.Text == "" {
		p.Text = message.DefaultSOSText
	}
	if p.Category == "" {
		p.Category = message.CategorySOS
	}
	m := message.New(s.cfg.SelfID, p, s.clock.NowUnique())
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertIfAbsent(ctx, m); err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}
	s.log.Info("published message", "id", m.ID, "category", p.Category)
	return m.Clone(), nil
}

// Acknowledge raises the Acknowledged flag of a stored message. It reports
// whether the flag changed.
func (s *Service) Acknowledge(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.MarkAcknowledged(ctx, id)
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Info("acknowledged message", "id", id)
	}
	return changed, nil
}

// Peers returns the currently connected endpoints.
func (s *Service) Peers() []string {
	return s.manager.ConnectedPeers()
}

// Endpoints returns every tracked endpoint with its handshake state.
func (s *Service) Endpoints() []connection.Endpoint {
	return s.manager.Endpoints()
}

// Messages returns the stored messages, most recent first.
func (s *Service) Messages(ctx context.Context) ([]*message.Message, error) {
	return s.store.All(ctx)
}

// Counters returns the gossip engine statistics.
func (s *Service) Counters() gossip.CountersSnapshot {
	return s.engine.Counters()
}
