package advert

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func countingSend(calls *atomic.Int32) SendFunc {
	return func(context.Context) error {
		calls.Add(1)
		return nil
	}
}

func TestScheduler_Defaults(t *testing.T) {
	s := NewScheduler(func(context.Context) error { return nil }, SchedulerConfig{})
	if s.cfg.Interval != DefaultInterval {
		t.Errorf("default interval = %v, want %v", s.cfg.Interval, DefaultInterval)
	}
	if s.cfg.TickInterval != defaultTickInterval {
		t.Errorf("default tick = %v, want %v", s.cfg.TickInterval, defaultTickInterval)
	}

	short := NewScheduler(func(context.Context) error { return nil }, SchedulerConfig{Interval: 10 * time.Millisecond})
	if short.cfg.TickInterval != 10*time.Millisecond {
		t.Errorf("tick = %v, want the shorter interval", short.cfg.TickInterval)
	}
}

func TestScheduler_FiresOnInterval(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(countingSend(&calls), SchedulerConfig{Interval: time.Minute})

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()

	now = now.Add(30 * time.Second)
	s.checkTimer(context.Background())
	if calls.Load() != 0 {
		t.Errorf("send called %d times before interval, want 0", calls.Load())
	}

	now = now.Add(31 * time.Second)
	s.checkTimer(context.Background())
	if calls.Load() != 1 {
		t.Errorf("send called %d times, want 1", calls.Load())
	}

	// Deadline was reset from the firing time.
	now = now.Add(59 * time.Second)
	s.checkTimer(context.Background())
	if calls.Load() != 1 {
		t.Errorf("send called %d times, want 1", calls.Load())
	}
}

func TestScheduler_SendNowResetsTimer(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(countingSend(&calls), SchedulerConfig{Interval: time.Minute})

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()

	now = now.Add(50 * time.Second)
	s.SendNow(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("send called %d times, want 1", calls.Load())
	}

	now = now.Add(20 * time.Second)
	s.checkTimer(context.Background())
	if calls.Load() != 1 {
		t.Errorf("timer should restart after SendNow; calls = %d", calls.Load())
	}
}

func TestScheduler_UpdateInterval(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(countingSend(&calls), SchedulerConfig{Interval: time.Hour})

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	s.UpdateInterval(time.Minute)

	now = now.Add(2 * time.Minute)
	s.checkTimer(context.Background())
	if calls.Load() != 1 {
		t.Errorf("send called %d times, want 1", calls.Load())
	}
}

func TestScheduler_Stats(t *testing.T) {
	fail := true
	s := NewScheduler(func(context.Context) error {
		if fail {
			return errors.New("no route")
		}
		return nil
	}, SchedulerConfig{})

	s.SendNow(context.Background())
	fail = false
	s.SendNow(context.Background())

	sent, failed := s.Stats()
	if sent != 1 || failed != 1 {
		t.Errorf("Stats() = %d/%d, want 1/1", sent, failed)
	}
}

func TestScheduler_StartSendsImmediately(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(countingSend(&calls), SchedulerConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no beacon sent on start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop within timeout")
	}
}

func TestScheduler_StopMethod(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(countingSend(&calls), SchedulerConfig{Interval: time.Hour})

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	for calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop within timeout")
	}
}
