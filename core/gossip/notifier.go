package gossip

import (
	"context"
	"log/slog"

	"github.com/kabili207/sosmesh-go/core/message"
)

// Notifier is told about every message newly learned from a peer.
// Implementations must not block the merge path for long.
type Notifier interface {
	Notify(ctx context.Context, m *message.Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, m *message.Message)

// Notify calls f(ctx, m).
func (f NotifierFunc) Notify(ctx context.Context, m *message.Message) { f(ctx, m) }

// LogNotifier logs each new message at info level.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs m.
func (n LogNotifier) Notify(_ context.Context, m *message.Message) {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		"id", m.ID,
		"origin", m.OriginID,
		"hops", m.HopCount,
		"category", m.Payload.Category,
		"text", m.Payload.Text,
	}
	if m.Payload.HasLocation() {
		attrs = append(attrs, "lat", *m.Payload.Latitude, "lon", *m.Payload.Longitude)
	}
	log.Info("received sos message", attrs...)
}

// MultiNotifier fans a notification out to several notifiers in order.
type MultiNotifier []Notifier

// Notify calls every non-nil notifier.
func (mn MultiNotifier) Notify(ctx context.Context, m *message.Message) {
	for _, n := range mn {
		if n != nil {
			n.Notify(ctx, m)
		}
	}
}
