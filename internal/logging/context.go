package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	loggerKey  contextKey = "logger"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context, falling back to the default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context carrying l
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := FromContext(ctx).With().Str("trace_id", traceID).Logger()
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return NewContext(ctx, l), l
}

// TraceID returns the trace ID stored by WithTraceContext
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// VariantContext creates a logger for one strategy variant
func VariantContext(l zerolog.Logger, variant string) zerolog.Logger {
	return l.With().Str("variant", variant).Logger()
}

// PositionContext creates a logger context for position operations
func PositionContext(l zerolog.Logger, symbol, direction string, entryPrice, quantity float64) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("direction", direction).
		Float64("entry_price", entryPrice).
		Float64("quantity", quantity).
		Logger()
}
