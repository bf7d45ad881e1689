package core

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// RandUint64 returns a random 64-bit id taken from a version 4 UUID.
// Zero is reserved for "no event" and is never returned.
func RandUint64() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:]); id != 0 {
			return id
		}
	}
}
