// Package logging builds the process-wide slog logger from the log
// settings of the configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the level, handler format and sink of a logger.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Sink   string // stderr|stdout|file:<path>
}

// ParseLevel maps a level name to a slog.Level. Unknown names are Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger for opts. The returned closer releases a file sink
// and must be called on shutdown.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	switch {
	case opts.Sink == "" || opts.Sink == "stderr":
	case opts.Sink == "stdout":
		w = os.Stdout
	case strings.HasPrefix(opts.Sink, "file:"):
		path := strings.TrimPrefix(opts.Sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		w, closer = f, f
	default:
		return nil, nil, fmt.Errorf("unknown log sink %q", opts.Sink)
	}
	return slog.New(NewHandler(w, opts)), closer, nil
}

// NewHandler creates the handler New uses, writing to w.
func NewHandler(w io.Writer, opts Options) slog.Handler {
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "json") {
		return slog.NewJSONHandler(w, ho)
	}
	return slog.NewTextHandler(w, ho)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
