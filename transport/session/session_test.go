package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kabili207/sosmesh-go/transport"
)

// recorder collects handler events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) handler() transport.ConnectionHandler {
	return transport.ConnectionHandler{
		OnConnectionInitiated: func(id string, info transport.ConnectionInfo) {
			r.add(fmt.Sprintf("initiated %s incoming=%v", id, info.Incoming))
		},
		OnConnectionResult: func(id string, err error) {
			if err != nil {
				r.add("failed " + id)
				return
			}
			r.add("connected " + id)
		},
		OnDisconnected: func(id string) { r.add("disconnected " + id) },
	}
}

func (r *recorder) payload(id string, data []byte) {
	r.add("payload " + id + " " + string(data))
}

func expect(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %q, want %q", got, want)
		}
	}
}

func TestEventQueue_Order(t *testing.T) {
	q := NewEventQueue()
	var got []int
	for i := range 100 {
		q.Push(func() { got = append(got, i) })
	}
	q.Wait()
	if len(got) != 100 {
		t.Fatalf("ran %d callbacks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestEventQueue_PushFromCallback(t *testing.T) {
	q := NewEventQueue()
	var got []string
	q.Push(func() {
		got = append(got, "outer")
		q.Push(func() { got = append(got, "inner") })
	})
	q.Wait()
	expect(t, got, []string{"outer", "inner"})
}

func TestTable_OutboundHandshake(t *testing.T) {
	q := NewEventQueue()
	tab := NewTable(q)
	rec := &recorder{}

	if !tab.Request("b", "bravo", rec.handler()) {
		t.Fatal("first Request() = false")
	}
	if tab.Request("b", "bravo", rec.handler()) {
		t.Error("repeated Request() = true, want false")
	}
	if err := tab.Accept("b", rec.payload); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if tab.Connected("b") {
		t.Error("connected before remote accept")
	}
	if !tab.HandleAccept("b") {
		t.Fatal("HandleAccept() = false")
	}
	if !tab.HandleData("b", []byte("hi")) {
		t.Error("HandleData() = false on connected endpoint")
	}
	q.Wait()

	expect(t, rec.all(), []string{"initiated b incoming=false", "connected b", "payload b hi"})
}

func TestTable_InboundHandshake(t *testing.T) {
	q := NewEventQueue()
	tab := NewTable(q)
	rec := &recorder{}

	if !tab.HandleHello("a", "alpha", rec.handler()) {
		t.Fatal("HandleHello() = false")
	}
	// Remote accept may arrive before the local one.
	tab.HandleAccept("a")
	if err := tab.Accept("a", rec.payload); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	q.Wait()

	expect(t, rec.all(), []string{"initiated a incoming=true", "connected a"})
	if !tab.Connected("a") {
		t.Error("Connected() = false")
	}
}

func TestTable_CrossingHello(t *testing.T) {
	q := NewEventQueue()
	tab := NewTable(q)
	rec := &recorder{}

	tab.Request("b", "bravo", rec.handler())
	if tab.HandleHello("b", "bravo", rec.handler()) {
		t.Error("crossing HandleHello() = true, want false")
	}
	q.Wait()
	if n := len(rec.all()); n != 1 {
		t.Errorf("events = %q, want a single initiation", rec.all())
	}
}

func TestTable_Errors(t *testing.T) {
	q := NewEventQueue()
	tab := NewTable(q)

	if err := tab.Accept("ghost", nil); !errors.Is(err, transport.ErrUnknownEndpoint) {
		t.Errorf("Accept(unknown) error = %v, want ErrUnknownEndpoint", err)
	}
	if tab.HandleAccept("ghost") {
		t.Error("HandleAccept(unknown) = true")
	}
	if tab.HandleData("ghost", nil) {
		t.Error("HandleData(unknown) = true")
	}

	rec := &recorder{}
	tab.Request("b", "bravo", rec.handler())
	if tab.HandleData("b", []byte("early")) {
		t.Error("HandleData() before connection = true")
	}
	if tab.Drop("ghost") {
		t.Error("Drop(unknown) = true")
	}
}

func TestTable_Drop(t *testing.T) {
	q := NewEventQueue()
	tab := NewTable(q)
	rec := &recorder{}

	tab.Request("pending", "p", rec.handler())
	tab.Request("live", "l", rec.handler())
	tab.Accept("live", rec.payload)
	tab.HandleAccept("live")

	tab.Drop("pending")
	tab.Drop("live")
	q.Wait()

	expect(t, rec.all(), []string{
		"initiated pending incoming=false",
		"initiated live incoming=false",
		"connected live",
		"failed pending",
		"disconnected live",
	})
	if tab.Known("live") || tab.Known("pending") {
		t.Error("dropped endpoints still known")
	}
}

func TestTable_ResetIsSilent(t *testing.T) {
	q := NewEventQueue()
	tab := NewTable(q)
	rec := &recorder{}

	tab.Request("a", "alpha", rec.handler())
	tab.HandleHello("b", "bravo", rec.handler())
	q.Wait()

	ids := tab.Reset()
	if len(ids) != 2 {
		t.Errorf("Reset() = %v, want 2 endpoints", ids)
	}
	q.Wait()
	if n := len(rec.all()); n != 2 {
		t.Errorf("events after Reset = %q", rec.all())
	}
	if len(tab.Endpoints()) != 0 {
		t.Errorf("Endpoints() = %v, want none", tab.Endpoints())
	}
}
