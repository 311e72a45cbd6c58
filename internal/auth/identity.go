package auth

import (
	"context"

	"github.com/google/uuid"
)

// Role values carried by a JWT's role claim.
const (
	RoleDev    = "DEV"
	RoleAdmin  = "ADMIN"
	RoleView   = "VIEW"
	RoleDevice = "DEVICE"
)

// Identity is the authenticated principal attached to a request context by
// Middleware. Exactly one of UserID or DeviceID is set, matching which kind
// of access token was presented.
type Identity struct {
	Subject  string // raw JWT subject: user id or device id as a string
	Role     string
	OrgID    uuid.UUID
	UserID   *uuid.UUID
	DeviceID *uuid.UUID
	Method   string // "jwt_user" or "jwt_device"
}

// IsDevice reports whether this identity is a device access token.
func (i *Identity) IsDevice() bool {
	return i != nil && i.Role == RoleDevice
}

// IsUser reports whether this identity is a user access token.
func (i *Identity) IsUser() bool {
	return i != nil && !i.IsDevice()
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the Identity stored by Middleware, or nil if absent.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}
