// Package logging provides structured logging for the alembic services.
//
// It wraps log/slog with a process-wide logger, text or JSON output, and
// component loggers:
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("aggregate")
//	log.Info("recompute finished", "efficiency_rows", 12)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

// Init installs the process-wide logger writing to stdout.
// If jsonFormat is true, entries are JSON; otherwise human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWithWriter(os.Stdout, level, jsonFormat)
}

// InitWithWriter is Init with a custom destination.
func InitWithWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler installs a logger backed by handler. Tests use this to
// capture output.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)
	logger.Store(l)
	slog.SetDefault(l)
}

// ParseLevel maps a config string (debug, info, warn, error) to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// L returns the process-wide logger, initializing a default one on first use.
func L() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	Init(slog.LevelInfo, false)
	return logger.Load()
}

// Component returns a logger tagged with the component name.
//
//	log := logging.Component("store")
//	log.Info("opened") // time=... level=INFO msg=opened component=store
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

type contextKey int

const (
	contextKeyRequestID contextKey = iota
	contextKeyCorrelationID
)

// ContextWithRequestID attaches a request id picked up by WithContext.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// ContextWithCorrelationID attaches a correlation id picked up by WithContext.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationID, correlationID)
}

// WithContext adds request-scoped attributes found in ctx to base.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = L()
	}
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok && id != "" {
		base = base.With("request_id", id)
	}
	if id, ok := ctx.Value(contextKeyCorrelationID).(string); ok && id != "" {
		base = base.With("correlation_id", id)
	}
	return base
}
