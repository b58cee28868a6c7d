// Package uplink forwards SOS messages to an external authority over an
// HTTP webhook. A device that has Internet access posts every message it
// holds that is not yet acknowledged and, once the webhook answers with a
// 2xx status, raises the message's Acknowledged flag. The gossip engine
// then carries the flag back across the mesh, so the author learns its
// alert reached help.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
)

const (
	// DefaultTimeout bounds one webhook request.
	DefaultTimeout = 10 * time.Second
	// DefaultRetryInterval is how often pending messages are retried when
	// the store is quiet.
	DefaultRetryInterval = 30 * time.Second
)

var ErrMissingURL = errors.New("uplink: webhook url is required")

// Config configures an Uplink.
type Config struct {
	// WebhookURL receives one POST per message. Required.
	WebhookURL string

	// Timeout bounds each request. Default: 10 seconds.
	Timeout time.Duration

	// RetryInterval is the period of the background retry.
	// Default: 30 seconds.
	RetryInterval time.Duration

	// Dial overrides how connections to the webhook are made.
	Dial fasthttp.DialFunc

	// Logger for uplink events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Report is the JSON body posted for each message.
type Report struct {
	ID        string   `json:"id"`
	OriginID  string   `json:"origin_id"`
	Text      string   `json:"text"`
	Category  string   `json:"category,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Equipment string   `json:"equipment,omitempty"`
	CreatedAt int64    `json:"created_at"`
	HopCount  int      `json:"hop_count"`
}

// NewReport builds the webhook body for m.
func NewReport(m *message.Message) Report {
	return Report{
		ID:        m.ID,
		OriginID:  m.OriginID,
		Text:      m.Payload.Text,
		Category:  m.Payload.Category,
		Latitude:  m.Payload.Latitude,
		Longitude: m.Payload.Longitude,
		Equipment: m.Payload.Equipment,
		CreatedAt: m.CreatedAt,
		HopCount:  m.HopCount,
	}
}

// Stats counts uplink activity.
type Stats struct {
	Posted   uint64
	Failed   uint64
	Accepted uint64
}

// Uplink posts unacknowledged messages to a webhook.
type Uplink struct {
	cfg    Config
	log    *slog.Logger
	store  store.Store
	client *fasthttp.Client

	// Serializes upload passes so a message is not posted twice at once.
	passMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc

	posted   atomic.Uint64
	failed   atomic.Uint64
	accepted atomic.Uint64
}

// New creates an uplink for st.
func New(st store.Store, cfg Config) (*Uplink, error) {
	if cfg.WebhookURL == "" {
		return nil, ErrMissingURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Uplink{
		cfg:   cfg,
		log:   logger.WithGroup("uplink"),
		store: st,
		client: &fasthttp.Client{
			Name:         "sosmesh-uplink",
			Dial:         cfg.Dial,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		},
	}, nil
}

// Stats returns the uplink counters.
func (u *Uplink) Stats() Stats {
	return Stats{
		Posted:   u.posted.Load(),
		Failed:   u.failed.Load(),
		Accepted: u.accepted.Load(),
	}
}

// Start uploads pending messages after every store change and every
// RetryInterval. Blocks until ctx is cancelled or Stop is called.
func (u *Uplink) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()
	defer cancel()

	updates := u.store.Observe(ctx)
	ticker := time.NewTicker(u.cfg.RetryInterval)
	defer ticker.Stop()

	u.log.Info("uplink started", "url", u.cfg.WebhookURL)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			u.upload(ctx, snap.Messages)
		case <-ticker.C:
			if _, err := u.UploadPending(ctx); err != nil && ctx.Err() == nil {
				u.log.Warn("retry pass failed", "error", err)
			}
		}
	}
}

// Stop ends the loop started by Start.
func (u *Uplink) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
}

// UploadPending posts every stored message that is not acknowledged and
// returns how many the webhook accepted.
func (u *Uplink) UploadPending(ctx context.Context) (int, error) {
	msgs, err := u.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading messages: %w", err)
	}
	return u.upload(ctx, msgs), nil
}

func (u *Uplink) upload(ctx context.Context, msgs []*message.Message) int {
	u.passMu.Lock()
	defer u.passMu.Unlock()

	n := 0
	for _, m := range msgs {
		if m.Acknowledged {
			continue
		}
		if ctx.Err() != nil {
			return n
		}
		if err := u.post(m); err != nil {
			u.failed.Add(1)
			u.log.Warn("webhook post failed", "id", m.ID, "error", err)
			continue
		}
		if _, err := u.store.MarkAcknowledged(ctx, m.ID); err != nil {
			u.log.Warn("failed to mark message acknowledged", "id", m.ID, "error", err)
			continue
		}
		u.accepted.Add(1)
		n++
		u.log.Info("message delivered upstream", "id", m.ID, "origin", m.OriginID)
	}
	return n
}

func (u *Uplink) post(m *message.Message) error {
	body, err := json.Marshal(NewReport(m))
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u.cfg.WebhookURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	u.posted.Add(1)
	if err := u.client.DoTimeout(req, resp, u.cfg.Timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("webhook returned status %d", code)
	}
	return nil
}
