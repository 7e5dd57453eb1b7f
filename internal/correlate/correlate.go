// Package correlate tags externally originated operations (MQTT
// commands, discovery publishes) with a correlation ID that travels
// through context into every log line and metric touched by the
// operation.
package correlate

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ctxKey is the private context key type.
type ctxKey struct{}

// WithID returns a context carrying a fresh correlation ID. An existing
// ID is preserved.
func WithID(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, uuid.NewString())
}

// WithExplicitID returns a context carrying the given ID, replacing any
// existing one. Used when the ID originates outside the process.
func WithExplicitID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID returns the context's correlation ID, or "" when absent.
func ID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Attr returns the slog attribute for the context's correlation ID.
func Attr(ctx context.Context) slog.Attr {
	return slog.String("correlation_id", ID(ctx))
}
