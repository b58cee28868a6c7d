// Package api serves the local HTTP interface of a mesh device: status,
// the message list, publishing and acknowledging alerts, the peer table
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kabili207/sosmesh-go/core/connection"
	"github.com/kabili207/sosmesh-go/core/gossip"
	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
)

const (
	// DefaultRPS is the default sustained publish rate.
	DefaultRPS = 1
	// DefaultBurst is the default publish burst.
	DefaultBurst = 5

	maxBodyBytes = 16 << 10
)

// Mesh is the part of a mesh device the API drives.
type Mesh interface {
	SelfID() string
	Running() bool
	Publish(ctx context.Context, p message.Payload) (*message.Message, error)
	Acknowledge(ctx context.Context, id string) (bool, error)
	Endpoints() []connection.Endpoint
	Messages(ctx context.Context) ([]*message.Message, error)
	Counters() gossip.CountersSnapshot
}

// Config configures the API server.
type Config struct {
	// Listen is the TCP address Start listens on.
	Listen string
	// RPS and Burst limit POST /api/messages. Defaults: 1 and 5.
	RPS   float64
	Burst int
	// Gatherer backs GET /metrics. The route is absent when nil.
	Gatherer prometheus.Gatherer
	// Logger for request logging. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Server is the HTTP API of one device.
type Server struct {
	cfg     Config
	log     *slog.Logger
	mesh    Mesh
	router  *mux.Router
	limiter *rate.Limiter
}

// NewServer creates an API server for m.
func NewServer(m Mesh, cfg Config) *Server {
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger.WithGroup("api"),
		mesh:    m,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, "not found", http.StatusNotFound)
	})

	s.router.HandleFunc("/api/status", s.getStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/messages", s.getMessages).Methods(http.MethodGet)
	s.router.HandleFunc("/api/messages", s.postMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/api/messages/{id}/ack", s.ackMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/api/peers", s.getPeers).Methods(http.MethodGet)

	if s.cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.Use(s.loggingMiddleware)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on cfg.Listen and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	NodeID   string                  `json:"node_id"`
	Running  bool                    `json:"running"`
	Peers    int                     `json:"peers"`
	Messages int                     `json:"messages"`
	Pending  int                     `json:"pending"`
	Gossip   gossip.CountersSnapshot `json:"gossip"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.mesh.Messages(r.Context())
	if err != nil {
		s.writeError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := statusResponse{
		NodeID:   s.mesh.SelfID(),
		Running:  s.mesh.Running(),
		Messages: len(msgs),
		Gossip:   s.mesh.Counters(),
	}
	for _, ep := range s.mesh.Endpoints() {
		if ep.State == connection.StateConnected {
			resp.Peers++
		}
	}
	for _, m := range msgs {
		if !m.Acknowledged {
			resp.Pending++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// MessageView is the JSON form of a stored message.
type MessageView struct {
	ID              string   `json:"id"`
	OriginID        string   `json:"origin_id"`
	Text            string   `json:"text"`
	Category        string   `json:"category"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Equipment       string   `json:"equipment,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	HopCount        int      `json:"hop_count"`
	LocallyAuthored bool     `json:"locally_authored"`
	Acknowledged    bool     `json:"acknowledged"`
}

// NewMessageView converts m for output.
func NewMessageView(m *message.Message) MessageView {
	return MessageView{
		ID:              m.ID,
		OriginID:        m.OriginID,
		Text:            m.Payload.Text,
		Category:        m.Payload.Category,
		Latitude:        m.Payload.Latitude,
		Longitude:       m.Payload.Longitude,
		Equipment:       m.Payload.Equipment,
		CreatedAt:       m.CreatedAt,
		HopCount:        m.HopCount,
		LocallyAuthored: m.LocallyAuthored,
		Acknowledged:    m.Acknowledged,
	}
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.mesh.Messages(r.Context())
	if err != nil {
		s.writeError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessageView(m))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// PublishRequest is the body of POST /api/messages. Every field is
// optional; an empty request publishes the default SOS alert.
type PublishRequest struct {
	Text      string   `json:"text"`
	Category  string   `json:"category"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Equipment string   `json:"equipment"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req PublishRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		s.writeError(w, "latitude and longitude must be given together", http.StatusBadRequest)
		return
	}

	m, err := s.mesh.Publish(r.Context(), message.Payload{
		Text:      req.Text,
		Category:  req.Category,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Equipment: req.Equipment,
	})
	switch {
	case errors.Is(err, message.ErrTextTooLong), errors.Is(err, message.ErrCategoryTooLong):
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("publish failed", "error", err)
		s.writeError(w, "publish failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewMessageView(m))
}

func (s *Server) ackMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	changed, err := s.mesh.Acknowledge(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, "message not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("acknowledge failed", "id", id, "error", err)
		s.writeError(w, "acknowledge failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "changed": changed})
}

// PeerView is the JSON form of a tracked endpoint.
type PeerView struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

func (s *Server) getPeers(w http.ResponseWriter, _ *http.Request) {
	eps := s.mesh.Endpoints()
	out := make([]PeerView, 0, len(eps))
	for _, ep := range eps {
		out = append(out, PeerView{ID: ep.ID, Name: ep.Name, State: ep.State.String(), Since: ep.Since})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
