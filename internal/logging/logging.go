// Package logging wraps log/slog with the conventions used across the
// daemon: one process-wide logger, per-component child loggers, and
// request-scoped attributes (client id, resource URI, request id) carried
// through context.
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("tiering")
//	log.Info("tiering engine started", "interval", interval)
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the process-wide logger. Init installs it; Component and
// WithContext fall back to info-level text output if Init never ran.
var Logger *slog.Logger

// Init configures the process logger. Debug level also records source
// positions.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler installs a custom handler. Used by tests to capture log
// records.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Component returns a child logger tagged with the component's name.
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns a logger carrying whichever request-scoped values the
// context holds.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger
	if clientID, ok := ctx.Value(contextKeyClientID).(string); ok {
		logger = logger.With("client_id", clientID)
	}
	if uri, ok := ctx.Value(contextKeyResourceURI).(string); ok {
		logger = logger.With("uri", uri)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(uint64); ok {
		logger = logger.With("request_id", requestID)
	}
	return logger
}

type contextKey int

const (
	contextKeyClientID contextKey = iota
	contextKeyResourceURI
	contextKeyRequestID
)

// ContextWithClientID stores a client id for WithContext.
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, contextKeyClientID, clientID)
}

// ContextWithResourceURI stores a resource URI for WithContext.
func ContextWithResourceURI(ctx context.Context, uri string) context.Context {
	return context.WithValue(ctx, contextKeyResourceURI, uri)
}

// ContextWithRequestID stores a request sequence number for WithContext.
func ContextWithRequestID(ctx context.Context, requestID uint64) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
