// Package logger builds the process-wide slog logger: JSON records that
// carry the correlation id of the request or run that produced them.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kbsync/internal/middleware"
)

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values mean info.
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

func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// OpenRunFile creates dir/<name>_<timestamp>.log for one process run.
func OpenRunFile(dir, name string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, now.Format("20060102_150405")))
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 -- path built from configured LOG_DIR
}

// Setup installs the default logger writing to console and, when dir is
// set, to a per-run file. The returned func closes the file.
func Setup(console io.Writer, dir, name, level string) (*slog.Logger, func() error, error) {
	w := console
	closeFn := func() error { return nil }
	if dir != "" {
		f, err := OpenRunFile(dir, name, time.Now())
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(console, f)
		closeFn = f.Close
	}
	l := New(w, ParseLevel(level))
	slog.SetDefault(l)
	return l, closeFn, nil
}
