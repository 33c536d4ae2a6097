package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// correlationIDKey is the context key under which the correlation ID
// travels through a request.
const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID returns the correlation ID from the context, or ""
// if none is set.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// GenerateCorrelationID returns a new UUID correlation ID.
func GenerateCorrelationID() string {
	return uuid.New().String()
}
