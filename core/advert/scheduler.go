// Package advert schedules the periodic presence beacons that transports
// use to announce an advertising device to nearby discoverers.
package advert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval is the default time between beacons.
	DefaultInterval = 2 * time.Second

	// defaultTickInterval is the resolution of the scheduler's timer check loop.
	defaultTickInterval = 250 * time.Millisecond
)

// SendFunc emits one beacon.
type SendFunc func(ctx context.Context) error

// SchedulerConfig configures the beacon scheduler.
type SchedulerConfig struct {
	// Interval between beacons. Default: DefaultInterval.
	Interval time.Duration

	// TickInterval is how often the deadline is checked. Default: 250ms,
	// or Interval when that is shorter.
	TickInterval time.Duration

	// Logger for scheduler events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Scheduler periodically calls a SendFunc. The first beacon goes out as
// soon as Start runs so discoverers see the device without waiting a full
// interval.
type Scheduler struct {
	cfg  SchedulerConfig
	log  *slog.Logger
	send SendFunc

	mu         sync.Mutex
	nextBeacon time.Time
	cancel     context.CancelFunc
	sent       uint64
	failed     uint64

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewScheduler creates a beacon scheduler that calls send every interval.
func NewScheduler(send SendFunc, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = min(defaultTickInterval, cfg.Interval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:   cfg,
		log:   logger.WithGroup("advert"),
		send:  send,
		nowFn: time.Now,
	}
}

// Start begins the beacon loop. It blocks until the context is cancelled
// or Stop is called. Typically called in a goroutine:
//
//	go scheduler.Start(ctx)
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.nextBeacon = s.nowFn()
	s.mu.Unlock()

	s.checkTimer(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkTimer(ctx)
		}
	}
}

// Stop cancels the scheduler's context, stopping the beacon loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SendNow emits a beacon immediately and restarts the interval.
func (s *Scheduler) SendNow(ctx context.Context) {
	s.fire(ctx)
	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()
}

// UpdateInterval changes the beacon interval at runtime.
func (s *Scheduler) UpdateInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Interval = interval
	s.resetTimerLocked()
}

// Stats returns the number of beacons sent and failed.
func (s *Scheduler) Stats() (sent, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.failed
}

// checkTimer sends a beacon if the deadline has passed.
func (s *Scheduler) checkTimer(ctx context.Context) {
	s.mu.Lock()
	due := !s.nowFn().Before(s.nextBeacon)
	s.mu.Unlock()
	if !due {
		return
	}

	s.fire(ctx)

	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()
}

func (s *Scheduler) fire(ctx context.Context) {
	err := s.send(ctx)

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.sent++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Debug("beacon send failed", "error", err)
		return
	}
	s.log.Debug("sent beacon")
}

// resetTimerLocked sets the next beacon time. Must be called with s.mu held.
func (s *Scheduler) resetTimerLocked() {
	s.nextBeacon = s.nowFn().Add(s.cfg.Interval)
}
