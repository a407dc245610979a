// ABOUTME: Request context helpers carrying the verified caller identity
// ABOUTME: Provides WithIdentity/FromContext for handlers behind the middleware

package auth

import (
	"context"
)

type identityKey struct{}

// anonymous is attached when authentication is disabled.
var anonymous = &Identity{Subject: "anonymous", Role: RoleOperator}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached to ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
