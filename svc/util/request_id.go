package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored on ctx, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// NewRequestID keeps a well-formed incoming id and mints one otherwise.
func NewRequestID(incoming string) string {
	if incoming != "" {
		if _, err := uuid.Parse(incoming); err == nil {
			return incoming
		}
	}
	return uuid.New().String()
}
