package api

import (
	"context"
)

// userIDContextKey is the context key for the authenticated user ID.
type userIDContextKey struct{}

// WithUserID returns a new context with the caller's user ID attached.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext extracts the caller's user ID.
// There is no fallback user: ok is false when none was attached.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDContextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
