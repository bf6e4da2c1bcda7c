package events

import (
	"context"
	"os"
	"sync/atomic"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	tabIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
		return l
	}
	return defaultLogger.Load()
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithTabID adds the tab a message or task concerns.
func WithTabID(ctx context.Context, id int) context.Context {
	logger := FromContext(ctx).WithField("tab_id", id)
	ctx = context.WithValue(ctx, tabIDKey, id)
	return WithLogger(ctx, logger)
}

// WithTask tags the logger with a queue task kind.
func WithTask(ctx context.Context, kind string) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithField("task", kind))
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetTabID retrieves the tab id from context.
func GetTabID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(tabIDKey).(int)
	return id, ok
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	hostname, _ := os.Hostname()
	defaultLogger.Store(&Logger{
		core:   newCore(InfoLevel, "text", os.Stderr, hostname, 100),
		fields: map[string]any{},
	})
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	if logger != nil {
		defaultLogger.Store(logger)
	}
}
