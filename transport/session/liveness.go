package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultPeerTimeout is how long an endpoint stays discovered without
	// a beacon.
	DefaultPeerTimeout = 15 * time.Second

	// DefaultCheckInterval is the resolution of the timeout check loop.
	DefaultCheckInterval = time.Second
)

// LivenessConfig configures a Liveness tracker.
type LivenessConfig struct {
	// Timeout after the last beacon before an endpoint is lost.
	// Default: 15 seconds.
	Timeout time.Duration

	// CheckInterval is how often Start checks for timeouts.
	// Default: 1 second.
	CheckInterval time.Duration

	// Logger for liveness events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Liveness tracks when each discovered endpoint last sent a beacon and
// reports endpoints that went quiet.
type Liveness struct {
	cfg    LivenessConfig
	log    *slog.Logger
	mu     sync.Mutex
	seen   map[string]time.Time
	onLost func(endpoint string)
	cancel context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewLiveness creates a liveness tracker.
func NewLiveness(cfg LivenessConfig) *Liveness {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPeerTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = min(DefaultCheckInterval, cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Liveness{
		cfg:   cfg,
		log:   logger.WithGroup("liveness"),
		seen:  make(map[string]time.Time),
		nowFn: time.Now,
	}
}

// SetOnLost sets the callback invoked for endpoints that timed out.
func (l *Liveness) SetOnLost(fn func(endpoint string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLost = fn
}

// Seen records a beacon from endpoint and reports whether the endpoint
// was not tracked before.
func (l *Liveness) Seen(endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, known := l.seen[endpoint]
	l.seen[endpoint] = l.nowFn()
	return !known
}

// Remove stops tracking endpoint without reporting it lost.
func (l *Liveness) Remove(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, endpoint)
}

// Alive reports whether endpoint is tracked.
func (l *Liveness) Alive(endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[endpoint]
	return ok
}

// Endpoints returns the tracked endpoints in sorted order.
func (l *Liveness) Endpoints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.seen))
	for id := range l.seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear stops tracking every endpoint without reporting them lost.
func (l *Liveness) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.seen)
}

// CheckTimeouts removes endpoints whose last beacon is older than the
// timeout and reports them through the OnLost callback.
func (l *Liveness) CheckTimeouts() []string {
	l.mu.Lock()
	now := l.nowFn()
	var lost []string
	for id, at := range l.seen {
		if now.Sub(at) > l.cfg.Timeout {
			lost = append(lost, id)
		}
	}
	for _, id := range lost {
		delete(l.seen, id)
	}
	onLost := l.onLost
	l.mu.Unlock()

	sort.Strings(lost)
	for _, id := range lost {
		l.log.Debug("endpoint timed out", "peer", id)
		if onLost != nil {
			onLost(id)
		}
	}
	return lost
}

// Start runs the periodic timeout check. Blocks until ctx is cancelled or
// Stop is called.
func (l *Liveness) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	ticker := time.NewTicker(l.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CheckTimeouts()
		}
	}
}

// Stop ends the check loop started by Start.
func (l *Liveness) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}
