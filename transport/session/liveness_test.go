package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLiveness_Defaults(t *testing.T) {
	l := NewLiveness(LivenessConfig{})
	if l.cfg.Timeout != DefaultPeerTimeout {
		t.Errorf("Timeout = %v, want %v", l.cfg.Timeout, DefaultPeerTimeout)
	}
	if l.cfg.CheckInterval != DefaultCheckInterval {
		t.Errorf("CheckInterval = %v, want %v", l.cfg.CheckInterval, DefaultCheckInterval)
	}

	short := NewLiveness(LivenessConfig{Timeout: 100 * time.Millisecond})
	if short.cfg.CheckInterval != 100*time.Millisecond {
		t.Errorf("CheckInterval = %v, want capped at the timeout", short.cfg.CheckInterval)
	}
}

func TestLiveness_SeenAndTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLiveness(LivenessConfig{Timeout: 10 * time.Second})
	l.nowFn = func() time.Time { return now }

	var lost []string
	l.SetOnLost(func(id string) { lost = append(lost, id) })

	if !l.Seen("a") {
		t.Error("first Seen() = false, want true")
	}
	if l.Seen("a") {
		t.Error("second Seen() = true, want false")
	}
	l.Seen("b")

	now = now.Add(6 * time.Second)
	l.Seen("b")

	now = now.Add(6 * time.Second)
	got := l.CheckTimeouts()
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("CheckTimeouts() = %v, want [a]", got)
	}
	if len(lost) != 1 || lost[0] != "a" {
		t.Errorf("OnLost calls = %v, want [a]", lost)
	}
	if l.Alive("a") || !l.Alive("b") {
		t.Errorf("Alive(a)=%v Alive(b)=%v, want false/true", l.Alive("a"), l.Alive("b"))
	}
}

func TestLiveness_RemoveIsSilent(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLiveness(LivenessConfig{Timeout: time.Second})
	l.nowFn = func() time.Time { return now }
	called := false
	l.SetOnLost(func(string) { called = true })

	l.Seen("a")
	l.Seen("b")
	l.Remove("a")
	if got := l.Endpoints(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Endpoints() = %v, want [b]", got)
	}
	l.Clear()
	now = now.Add(time.Hour)
	l.CheckTimeouts()
	if called {
		t.Error("removed endpoints should not be reported lost")
	}
}

func TestLiveness_StartStop(t *testing.T) {
	l := NewLiveness(LivenessConfig{Timeout: 20 * time.Millisecond, CheckInterval: 5 * time.Millisecond})
	var mu sync.Mutex
	var lost []string
	l.SetOnLost(func(id string) {
		mu.Lock()
		lost = append(lost, id)
		mu.Unlock()
	})
	l.Seen("quiet")

	done := make(chan struct{})
	go func() {
		l.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(lost)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("endpoint never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stop may race with Start storing its cancel func.
	for {
		l.Stop()
		select {
		case <-done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
