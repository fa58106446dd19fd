package middleware

import (
	"context"
	"time"
)

// Identity is what the session middleware learned from the bearer token.
type Identity struct {
	UserID    string
	Role      string
	Email     string
	ExpiresAt time.Time
}

type identityKey struct{}

// WithIdentity stores id on ctx; handlers read it back with the helpers below.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext reports the caller identity; ok is false for anonymous capture.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// UserIDFromContext returns the token subject, or "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
