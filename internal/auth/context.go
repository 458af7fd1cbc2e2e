// ABOUTME: Request identity carried through handlers via context
// ABOUTME: Provides WithIdentity/FromContext for propagating the authenticated user

package auth

import (
	"context"
)

// Method records how an identity was established.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodHeader Method = "header"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Admin  bool
	Method Method
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
