// Package auth authenticates HTTP callers of the control plane: edge
// devices presenting a device API key, and human operators presenting an
// OIDC bearer JWT.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Roles supported by admin/operator callers. Devices are not assigned a
// role; their identity is scoped to a single device.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleReadonly = "readonly"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RoleAdmin, RoleOperator, RoleReadonly}

// IsValidRole reports whether role is a recognised RBAC role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Method describes how the caller was authenticated.
const (
	MethodDeviceKey = "device_key"
	MethodOIDC      = "oidc"
)

// Identity represents the authenticated caller for the current request.
// Exactly one of DeviceID (device-key auth) or Role (OIDC auth) is set.
type Identity struct {
	Subject  string     // "device:<prefix>" or the OIDC sub
	TenantID uuid.UUID  // tenant the caller is scoped to
	DeviceID *uuid.UUID // non-nil for device-key authentication
	APIKeyID *uuid.UUID // non-nil for device-key authentication
	Role     string     // one of the Role* constants, set for OIDC callers
	Method   string      // one of the Method* constants
}

// IsDevice reports whether the identity authenticated as a device.
func (id *Identity) IsDevice() bool {
	return id != nil && id.Method == MethodDeviceKey
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Lookups are
// keyed on this hash rather than the bcrypt cost-12 hash used for storage
// comparisons at redemption time (see pkg/credential), so that a per-request
// auth check is a single indexed equality lookup rather than a bcrypt
// comparison against every stored key.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// DeviceKeyLookup is the row returned by a device API key hash lookup.
type DeviceKeyLookup struct {
	APIKeyID  uuid.UUID
	DeviceID  uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
	Revoked   bool
	ExpiresAt *time.Time
}

// Storage is the persistence dependency the auth middleware needs. It is
// implemented by pkg/credential's store so that internal/auth stays free of
// a dependency on domain packages.
type Storage interface {
	GetDeviceKeyByHash(ctx context.Context, hash string) (*DeviceKeyLookup, error)
	TouchDeviceKeyLastUsed(ctx context.Context, apiKeyID uuid.UUID)
}
