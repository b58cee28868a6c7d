// Package node assembles a complete sosmesh process from its
// configuration: identity, message store, transport, mesh service, the
// optional webhook uplink and the optional HTTP API.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/kabili207/sosmesh-go/core/crypto"
	"github.com/kabili207/sosmesh-go/core/gossip"
	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
	"github.com/kabili207/sosmesh-go/core/store/pebblestore"
	"github.com/kabili207/sosmesh-go/core/store/sqlstore"
	"github.com/kabili207/sosmesh-go/device/mesh"
	"github.com/kabili207/sosmesh-go/device/uplink"
	"github.com/kabili207/sosmesh-go/internal/api"
	"github.com/kabili207/sosmesh-go/internal/config"
	"github.com/kabili207/sosmesh-go/internal/metrics"
	"github.com/kabili207/sosmesh-go/transport"
	"github.com/kabili207/sosmesh-go/transport/lan"
	"github.com/kabili207/sosmesh-go/transport/memory"
	"github.com/kabili207/sosmesh-go/transport/mqtt"
	"github.com/kabili207/sosmesh-go/transport/serial"
)

// Node is one running device.
type Node struct {
	cfg      *config.Config
	log      *slog.Logger
	identity *crypto.KeyPair
	store    store.Store
	tr       transport.Transport
	closeTr  func() error
	service  *mesh.Service
	uplink   *uplink.Uplink
	api      *api.Server
	apiLn    net.Listener

	wg sync.WaitGroup
}

// LoadIdentity loads or creates the identity named by cfg.
func LoadIdentity(cfg *config.Config) (*crypto.KeyPair, error) {
	return crypto.LoadOrCreateIdentity(cfg.Resolve(cfg.Node.IdentityFile))
}

// OpenStore opens the message store selected by cfg.
func OpenStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		path := cfg.Resolve(cfg.Store.Path)
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
		return sqlstore.Open(sqlstore.Config{Path: path, Logger: logger})
	case config.DriverPebble:
		path := cfg.Resolve(cfg.Store.Path)
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
		return pebblestore.Open(pebblestore.Config{Path: path, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// OpenTransport creates and brings up the transport selected by cfg. The
// returned function releases it.
func OpenTransport(ctx context.Context, cfg *config.Config, selfID string, logger *slog.Logger) (transport.Transport, func() error, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportMemory:
		tr := memory.NewMedium(logger).NewTransport(selfID)
		return tr, func() error { tr.StopAll(); return nil }, nil
	case config.TransportLAN:
		tr := lan.New(lan.Config{
			ListenAddr:     tc.LAN.ListenAddr,
			BeaconAddr:     tc.LAN.BeaconAddr,
			BeaconTargets:  tc.LAN.BeaconTargets,
			BeaconInterval: tc.LAN.BeaconInterval,
			PeerTimeout:    tc.LAN.PeerTimeout,
			Name:           selfID,
			Logger:         logger,
		})
		if err := tr.Listen(); err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	case config.TransportMQTT:
		tr := mqtt.New(mqtt.Config{
			Broker:      tc.MQTT.Broker,
			Username:    tc.MQTT.Username,
			Password:    tc.MQTT.Password,
			UseTLS:      tc.MQTT.TLS,
			TopicPrefix: tc.MQTT.TopicPrefix,
			Logger:      logger,
		})
		if err := tr.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	case config.TransportSerial:
		tr := serial.New(serial.Config{
			Port:     tc.Serial.Port,
			BaudRate: tc.Serial.BaudRate,
			Name:     selfID,
			Logger:   logger,
		})
		if err := tr.Open(); err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", tc.Kind)
	}
}

// New builds a node from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{cfg: cfg, log: logger}

	var err error
	if n.identity, err = LoadIdentity(cfg); err != nil {
		return nil, err
	}
	selfID := n.identity.NodeID().String()

	if n.store, err = OpenStore(cfg, logger); err != nil {
		return nil, err
	}
	if n.tr, n.closeTr, err = OpenTransport(ctx, cfg, selfID, logger); err != nil {
		n.store.Close()
		return nil, err
	}

	n.service, err = mesh.New(n.store, n.tr, mesh.Config{
		SelfID:         selfID,
		ServiceID:      cfg.Node.ServiceID,
		BroadcastDelay: cfg.Gossip.BroadcastDelay,
		RetryInterval:  cfg.Gossip.RetryInterval,
		Notifier:       gossip.LogNotifier{Logger: logger},
		Logger:         logger,
	})
	if err != nil {
		n.Close()
		return nil, err
	}

	if cfg.Uplink.WebhookURL != "" {
		n.uplink, err = uplink.New(n.store, uplink.Config{
			WebhookURL:    cfg.Uplink.WebhookURL,
			RetryInterval: cfg.Uplink.RetryInterval,
			Logger:        logger,
		})
		if err != nil {
			n.Close()
			return nil, err
		}
	}

	if cfg.API.Listen != "" {
		n.api = api.NewServer(n.service, api.Config{
			Listen:   cfg.API.Listen,
			RPS:      cfg.API.RPS,
			Burst:    cfg.API.Burst,
			Gatherer: metrics.NewRegistry(n.metricsSources()),
			Logger:   logger,
		})
		if n.apiLn, err = net.Listen("tcp", cfg.API.Listen); err != nil {
			n.Close()
			return nil, fmt.Errorf("api listen: %w", err)
		}
	}
	return n, nil
}

func (n *Node) metricsSources() metrics.Sources {
	src := metrics.Sources{
		Gossip: n.service.Counters,
		Peers:  func() int { return len(n.service.Peers()) },
		Messages: func() (metrics.MessageCounts, error) {
			msgs, err := n.store.All(context.Background())
			if err != nil {
				return metrics.MessageCounts{}, err
			}
			return CountMessages(msgs), nil
		},
	}
	if n.uplink != nil {
		src.Uplink = n.uplink.Stats
	}
	return src
}

// CountMessages summarizes msgs for metrics.
func CountMessages(msgs []*message.Message) metrics.MessageCounts {
	c := metrics.MessageCounts{Total: len(msgs)}
	for _, m := range msgs {
		if m.Acknowledged {
			c.Acknowledged++
		}
		if m.LocallyAuthored {
			c.Local++
		}
	}
	return c
}

// Service returns the mesh service.
func (n *Node) Service() *mesh.Service { return n.service }

// ID returns the node identifier.
func (n *Node) ID() string { return n.identity.NodeID().String() }

// APIAddr returns the address the API listens on, or "" when disabled.
func (n *Node) APIAddr() string {
	if n.apiLn == nil {
		return ""
	}
	return n.apiLn.Addr().String()
}

// Run starts the mesh and its companions and blocks until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.service.StartMesh(ctx)
	n.log.Info("node started", "id", n.ID(), "transport", n.cfg.Transport.Kind, "store", n.cfg.Store.Driver)

	errc := make(chan error, 1)
	if n.uplink != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.uplink.Start(ctx)
		}()
	}
	if n.api != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.api.Serve(ctx, n.apiLn); err != nil {
				errc <- err
				cancel()
			}
		}()
	}

	<-ctx.Done()
	n.service.StopMesh()
	n.wg.Wait()
	n.log.Info("node stopped")

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// Close releases the transport and the store.
func (n *Node) Close() error {
	var errs []error
	if n.apiLn != nil {
		// Serve closes the listener itself; this covers a node that never ran.
		if err := n.apiLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if n.closeTr != nil {
		if err := n.closeTr(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
