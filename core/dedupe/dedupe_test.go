package dedupe

import (
	"fmt"
	"sync"
	"testing"
)

func TestHasSeen_New(t *testing.T) {
	d := New()
	if d.HasSeen([]byte{0x01, 0x02, 0x03}) {
		t.Error("new payload should not be marked as seen")
	}
}

func TestHasSeen_Duplicate(t *testing.T) {
	d := New()
	payload := []byte{0x01, 0x02, 0x03}

	d.HasSeen(payload)
	if !d.HasSeen(payload) {
		t.Error("duplicate payload should be marked as seen")
	}
}

func TestHasSeen_DifferentPayload(t *testing.T) {
	d := New()
	d.HasSeen([]byte{0x01, 0x02, 0x03})
	if d.HasSeen([]byte{0x04, 0x05, 0x06}) {
		t.Error("different payload should not be marked as seen")
	}
}

func TestContainsDoesNotRecord(t *testing.T) {
	d := New()
	h := Sum([]byte("batch"))

	if d.Contains(h) {
		t.Fatal("Contains() = true before Add")
	}
	if d.Contains(h) {
		t.Error("Contains() must not record the hash")
	}
	d.Add(h)
	if !d.Contains(h) {
		t.Error("Contains() = false after Add")
	}
}

func TestEviction(t *testing.T) {
	d := NewWithCapacity(4)

	for i := range 4 {
		d.HasSeen([]byte{byte(i)})
	}
	if d.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", d.Len())
	}

	// A fifth entry overwrites the oldest.
	d.HasSeen([]byte{4})
	if d.Contains(Sum([]byte{0})) {
		t.Error("oldest entry should have been evicted")
	}
	for i := 1; i <= 4; i++ {
		if !d.Contains(Sum([]byte{byte(i)})) {
			t.Errorf("entry %d should still be remembered", i)
		}
	}
	if d.Len() != 4 {
		t.Errorf("Len() = %d, want 4", d.Len())
	}
}

func TestAddDuplicateDoesNotEvict(t *testing.T) {
	d := NewWithCapacity(2)
	a, b := Sum([]byte("a")), Sum([]byte("b"))
	d.Add(a)
	d.Add(b)
	d.Add(a)
	if !d.Contains(a) || !d.Contains(b) {
		t.Error("re-adding a known hash should not evict anything")
	}
}

func TestClear(t *testing.T) {
	d := New()
	payload := []byte("payload")
	d.HasSeen(payload)
	d.Clear()

	if d.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", d.Len())
	}
	if d.HasSeen(payload) {
		t.Error("payload should not be seen after Clear")
	}
}

func TestSum_Deterministic(t *testing.T) {
	if Sum([]byte("x")) != Sum([]byte("x")) {
		t.Error("Sum should be deterministic")
	}
	if Sum([]byte("x")) == Sum([]byte("y")) {
		t.Error("different inputs should hash differently")
	}
}

func TestConcurrentAccess(t *testing.T) {
	d := NewWithCapacity(16)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				d.HasSeen([]byte(fmt.Sprintf("%d-%d", g, i)))
			}
		}()
	}
	wg.Wait()
	if d.Len() != 16 {
		t.Errorf("Len() = %d, want 16", d.Len())
	}
}
