package credential

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RegistrationToken is the single-use token minted to let a device redeem a
// registration.
type RegistrationToken struct {
	TokenID      uuid.UUID
	TenantID     uuid.UUID
	Prefix       string
	Hash         string
	ExpiresAt    time.Time
	IsUsed       bool
	UsedByDevice *uuid.UUID
	UsedAt       *time.Time
	CreatedBy    string
	Description  string
	CreatedAt    time.Time
}

// DeviceAPIKey is a device's credential, minted at admin approval and
// rotated/revoked by admin action. Hash is the SHA-256 hex digest of the
// full plaintext key (see internal/auth.HashAPIKey) used for the O(1)
// per-request lookup; unlike RegistrationToken.Hash it is not bcrypt,
// since the full key already carries enough entropy that a slow KDF buys
// nothing and would be too slow to run on every device request.
type DeviceAPIKey struct {
	KeyID      uuid.UUID
	DeviceID   uuid.UUID
	TenantID   uuid.UUID
	Prefix     string
	Hash       string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Valid reports whether the key is currently usable: not revoked and not
// expired.
func (k *DeviceAPIKey) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// RegistrationInput is the input to RedeemRegistration.
type RegistrationInput struct {
	TenantID       uuid.UUID
	DeviceID       uuid.UUID
	TokenPlaintext string
	Name           string
	Metadata       string
}

// QuotaGate is the Quota Gate collaborator (spec component C8): a single,
// idempotent, side-effect-free call made during registration redemption.
type QuotaGate interface {
	CheckDeviceQuota(ctx context.Context, tenantID uuid.UUID) error
}
