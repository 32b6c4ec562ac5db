package auth

import (
	"context"
	"fmt"
	"time"
)

// DeviceKeyAuthenticator validates device API keys against storage.
type DeviceKeyAuthenticator struct {
	Store Storage
}

// Authenticate hashes the raw key, looks it up, and validates that it is
// neither revoked nor expired.
func (a *DeviceKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*DeviceKeyLookup, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty device API key")
	}

	hash := HashAPIKey(rawKey)

	key, err := a.Store.GetDeviceKeyByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up device API key: %w", err)
	}

	if key.Revoked {
		return nil, fmt.Errorf("device API key revoked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("device API key expired at %s", key.ExpiresAt)
	}

	go a.Store.TouchDeviceKeyLastUsed(context.Background(), key.APIKeyID)

	return key, nil
}
