package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FromContext retrieves the logger from context, falling back to the default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// WithFlowContext tags a context with a new flow id and returns the logger carrying it
func WithFlowContext(ctx context.Context, l zerolog.Logger, instrument string) (context.Context, zerolog.Logger) {
	fl := l.With().
		Str("flow_id", uuid.NewString()[:8]).
		Str("instrument", instrument).
		Logger()
	return fl.WithContext(ctx), fl
}

// InstrumentContext creates a logger context for strategy operations on one instrument
func InstrumentContext(l zerolog.Logger, instrument, state string) zerolog.Logger {
	return l.With().
		Str("instrument", instrument).
		Str("state", state).
		Logger()
}

// OrderContext creates a logger context for order operations
func OrderContext(l zerolog.Logger, orderID, instrument, direction string) zerolog.Logger {
	return l.With().
		Str("order_id", orderID).
		Str("instrument", instrument).
		Str("direction", direction).
		Logger()
}

// StreamContext creates a logger context for market stream operations
func StreamContext(l zerolog.Logger, stream string) zerolog.Logger {
	return l.With().Str("stream", stream).Str("component", "stream").Logger()
}

// DatabaseContext creates a logger context for store operations
func DatabaseContext(l zerolog.Logger, backend, operation string) zerolog.Logger {
	return l.With().
		Str("backend", backend).
		Str("operation", operation).
		Logger()
}

// Elapsed adds a duration field measured from start
func Elapsed(e *zerolog.Event, start time.Time) *zerolog.Event {
	return e.Dur("duration", time.Since(start))
}
