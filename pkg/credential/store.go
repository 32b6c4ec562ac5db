package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/audit"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/clock"
	"github.com/signalbeam/edge/internal/randsrc"
)

// Store implements the Credential Store (spec component C1) against the
// shared devices/registration_tokens/device_api_keys tables.
type Store struct {
	pool   *pgxpool.Pool
	quota  QuotaGate
	audit  *audit.Writer
	clock  clock.Clock
	rand   randsrc.Source
	logger *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, quota QuotaGate, auditWriter *audit.Writer, c clock.Clock, src randsrc.Source, logger *slog.Logger) *Store {
	return &Store{pool: pool, quota: quota, audit: auditWriter, clock: c, rand: src, logger: logger}
}

// IssueRegistrationToken mints a single-use registration token for tenantID,
// valid for validityDays. Returns the plaintext once; only the hash is
// persisted.
func (s *Store) IssueRegistrationToken(ctx context.Context, tenantID uuid.UUID, validityDays int, description, createdBy string) (plaintext string, token *RegistrationToken, err error) {
	prefix, secret, err := generateSecret(s.rand)
	if err != nil {
		return "", nil, err
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return "", nil, err
	}

	now := s.clock.Now().UTC()
	tok := &RegistrationToken{
		TokenID:     uuid.New(),
		TenantID:    tenantID,
		Prefix:      prefix,
		Hash:        hash,
		ExpiresAt:   now.AddDate(0, 0, validityDays),
		CreatedBy:   createdBy,
		Description: description,
		CreatedAt:   now,
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO registration_tokens (id, tenant_id, prefix, hash, expires_at, is_used, created_by, description, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8)`,
		tok.TokenID, tok.TenantID, tok.Prefix, tok.Hash, tok.ExpiresAt, tok.CreatedBy, tok.Description, tok.CreatedAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("inserting registration token: %w", err)
	}

	return registrationTokenPlaintext(prefix, secret), tok, nil
}

// RedeemRegistration validates a registration token and creates a Pending
// device, per spec §4.1 "Device-registration redeem". All four writes
// (token lookup/consume, quota check, device creation, audit log) happen
// within one transaction except the audit log, which is fire-and-forget per
// spec §5 ("writes to the auth-audit ledger are fire-and-forget").
func (s *Store) RedeemRegistration(ctx context.Context, in RegistrationInput) (deviceID uuid.UUID, err error) {
	prefix, secret, ok := splitRegistrationToken(in.TokenPlaintext)
	if !ok {
		return uuid.Nil, apierr.New(apierr.CodeInvalidToken, "malformed registration token")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tok RegistrationToken
	err = tx.QueryRow(ctx, `
		SELECT id, tenant_id, prefix, hash, expires_at, is_used
		FROM registration_tokens WHERE prefix = $1 FOR UPDATE`, prefix,
	).Scan(&tok.TokenID, &tok.TenantID, &tok.Prefix, &tok.Hash, &tok.ExpiresAt, &tok.IsUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, apierr.New(apierr.CodeInvalidToken, "registration token not found")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("looking up registration token: %w", err)
	}

	now := s.clock.Now().UTC()
	if tok.IsUsed || now.After(tok.ExpiresAt) || tok.TenantID != in.TenantID {
		return uuid.Nil, apierr.New(apierr.CodeInvalidToken, "registration token is used, expired, or mismatched")
	}

	if !verifySecret(tok.Hash, secret) {
		s.logAttempt(nil, &in.TenantID, false, "registration token hash mismatch", nil)
		return uuid.Nil, apierr.New(apierr.CodeInvalidToken, "registration token hash mismatch")
	}

	if err := s.quota.CheckDeviceQuota(ctx, in.TenantID); err != nil {
		return uuid.Nil, apierr.New(apierr.CodeDeviceQuotaExceeded, err.Error())
	}

	newDeviceID := in.DeviceID
	if newDeviceID == uuid.Nil {
		newDeviceID = uuid.New()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO devices (id, tenant_id, name, metadata, registration_status, online_status, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 'offline', $5, $5)`,
		newDeviceID, in.TenantID, in.Name, in.Metadata, now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating device: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE registration_tokens SET is_used = true, used_by_device_id = $1, used_at = $2 WHERE id = $3`,
		newDeviceID, now, tok.TokenID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marking registration token used: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("committing registration: %w", err)
	}

	s.logAttempt(&newDeviceID, &in.TenantID, true, "", nil)
	return newDeviceID, nil
}

// Approve transitions a Pending device to Approved and mints a new device
// API key. Idempotent: re-approving an already-Approved device is a no-op
// that returns alreadyApproved=true and the device's existing active key
// metadata rather than minting a second key; plaintext is empty in that
// case since the original cannot be recovered.
func (s *Store) Approve(ctx context.Context, deviceID uuid.UUID, apiKeyExpirationDays int) (plaintext string, key *DeviceAPIKey, alreadyApproved bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tenantID uuid.UUID
	var status string
	err = tx.QueryRow(ctx, `SELECT tenant_id, registration_status FROM devices WHERE id = $1 FOR UPDATE`, deviceID).
		Scan(&tenantID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, false, apierr.New(apierr.CodeDeviceNotFound, "device not found")
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("looking up device: %w", err)
	}

	if status == "rejected" {
		return "", nil, false, apierr.New(apierr.CodeDeviceNotApproved, "cannot approve a rejected device")
	}
	if status == "approved" {
		existing, err := s.activeKey(ctx, tx, deviceID)
		if err != nil {
			return "", nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", nil, false, err
		}
		return "", existing, true, nil
	}

	prefix, secret, err := generateSecret(s.rand)
	if err != nil {
		return "", nil, false, err
	}
	plaintext = deviceAPIKeyPlaintext(prefix, secret)
	lookupHash := auth.HashAPIKey(plaintext)

	now := s.clock.Now().UTC()
	var expiresAt *time.Time
	if apiKeyExpirationDays > 0 {
		e := now.AddDate(0, 0, apiKeyExpirationDays)
		expiresAt = &e
	}

	newKey := &DeviceAPIKey{
		KeyID:     uuid.New(),
		DeviceID:  deviceID,
		TenantID:  tenantID,
		Prefix:    prefix,
		Hash:      lookupHash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO device_api_keys (id, device_id, tenant_id, prefix, hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		newKey.KeyID, newKey.DeviceID, newKey.TenantID, newKey.Prefix, newKey.Hash, newKey.ExpiresAt, newKey.CreatedAt,
	)
	if err != nil {
		return "", nil, false, fmt.Errorf("inserting device api key: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE devices SET registration_status = 'approved' WHERE id = $1`, deviceID)
	if err != nil {
		return "", nil, false, fmt.Errorf("approving device: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nil, false, fmt.Errorf("committing approval: %w", err)
	}

	return plaintext, newKey, false, nil
}

// activeKey returns the device's current non-revoked key, or nil if none.
func (s *Store) activeKey(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (*DeviceAPIKey, error) {
	var k DeviceAPIKey
	k.DeviceID = deviceID
	err := tx.QueryRow(ctx, `
		SELECT id, tenant_id, prefix, expires_at, created_at
		FROM device_api_keys
		WHERE device_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`,
		deviceID,
	).Scan(&k.KeyID, &k.TenantID, &k.Prefix, &k.ExpiresAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying active key: %w", err)
	}
	return &k, nil
}

// Reject sets a device's registration status to the terminal Rejected state.
func (s *Store) Reject(ctx context.Context, deviceID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET registration_status = 'rejected'
		WHERE id = $1 AND registration_status = 'pending'`, deviceID)
	if err != nil {
		return fmt.Errorf("rejecting device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.CodeDeviceNotFound, "device not found or not pending")
	}
	return nil
}

// Rotate mints a new device API key and revokes all currently active keys
// for the device atomically.
func (s *Store) Rotate(ctx context.Context, deviceID uuid.UUID, apiKeyExpirationDays int) (plaintext string, key *DeviceAPIKey, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tenantID uuid.UUID
	var status string
	err = tx.QueryRow(ctx, `SELECT tenant_id, registration_status FROM devices WHERE id = $1 FOR UPDATE`, deviceID).
		Scan(&tenantID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, apierr.New(apierr.CodeDeviceNotFound, "device not found")
	}
	if err != nil {
		return "", nil, fmt.Errorf("looking up device: %w", err)
	}
	if status != "approved" {
		return "", nil, apierr.New(apierr.CodeDeviceNotApproved, "device is not approved")
	}

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE device_api_keys SET revoked_at = $1 WHERE device_id = $2 AND revoked_at IS NULL`,
		now, deviceID,
	); err != nil {
		return "", nil, fmt.Errorf("revoking existing keys: %w", err)
	}

	prefix, secret, err := generateSecret(s.rand)
	if err != nil {
		return "", nil, err
	}
	plaintext = deviceAPIKeyPlaintext(prefix, secret)
	lookupHash := auth.HashAPIKey(plaintext)

	var expiresAt *time.Time
	if apiKeyExpirationDays > 0 {
		e := now.AddDate(0, 0, apiKeyExpirationDays)
		expiresAt = &e
	}

	newKey := &DeviceAPIKey{
		KeyID:     uuid.New(),
		DeviceID:  deviceID,
		TenantID:  tenantID,
		Prefix:    prefix,
		Hash:      lookupHash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO device_api_keys (id, device_id, tenant_id, prefix, hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		newKey.KeyID, newKey.DeviceID, newKey.TenantID, newKey.Prefix, newKey.Hash, newKey.ExpiresAt, newKey.CreatedAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("inserting rotated key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("committing rotation: %w", err)
	}

	return plaintext, newKey, nil
}

// Revoke sets revokedAt on every currently active API key for the device.
func (s *Store) Revoke(ctx context.Context, deviceID uuid.UUID) error {
	now := s.clock.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`UPDATE device_api_keys SET revoked_at = $1 WHERE device_id = $2 AND revoked_at IS NULL`,
		now, deviceID)
	if err != nil {
		return fmt.Errorf("revoking device api keys: %w", err)
	}
	return nil
}

// GetDeviceKeyByHash implements auth.Storage for the per-request device
// API-key check (spec §4.1 "Per-request validate"): a single indexed
// equality lookup on the SHA-256 digest of the raw key, rather than a
// bcrypt comparison against every stored key. The caller (internal/auth's
// DeviceKeyAuthenticator) checks revocation/expiry and requires the
// device to be approved by rejecting any identity whose device is not;
// the device's registration_status is additionally checked here so that a
// pending or rejected device's key never resolves.
func (s *Store) GetDeviceKeyByHash(ctx context.Context, hash string) (*auth.DeviceKeyLookup, error) {
	var lookup auth.DeviceKeyLookup
	var revokedAt *time.Time
	var status string

	err := s.pool.QueryRow(ctx, `
		SELECT k.id, k.device_id, k.tenant_id, k.prefix, k.expires_at, k.revoked_at, d.registration_status
		FROM device_api_keys k
		JOIN devices d ON d.id = k.device_id
		WHERE k.hash = $1`, hash,
	).Scan(&lookup.APIKeyID, &lookup.DeviceID, &lookup.TenantID, &lookup.KeyPrefix, &lookup.ExpiresAt, &revokedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.New(apierr.CodeInvalidAPIKey, "invalid device API key")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up device api key by hash: %w", err)
	}

	lookup.Revoked = revokedAt != nil || status != "approved"
	return &lookup, nil
}

// TouchDeviceKeyLastUsed best-effort records that apiKeyID was just used to
// authenticate a request. Failures are logged, not returned, since
// internal/auth fires this asynchronously and a write failure must never
// fail the request it accompanies.
func (s *Store) TouchDeviceKeyLastUsed(ctx context.Context, apiKeyID uuid.UUID) {
	now := s.clock.Now().UTC()
	if _, err := s.pool.Exec(ctx, `UPDATE device_api_keys SET last_used_at = $1 WHERE id = $2`, now, apiKeyID); err != nil {
		s.logger.Warn("updating device api key last_used_at", "error", err, "key_id", apiKeyID)
	}
}

// SweepExpiring scans non-revoked, non-expired keys and returns those within
// warningDays of expiry, plus those already expired, for the caller to emit
// as events. It never modifies keys, per spec §4.1.
func (s *Store) SweepExpiring(ctx context.Context, warningDays int) (warning, expired []DeviceAPIKey, err error) {
	now := s.clock.Now().UTC()
	threshold := now.AddDate(0, 0, warningDays)

	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, tenant_id, prefix, expires_at, last_used_at, created_at
		FROM device_api_keys
		WHERE revoked_at IS NULL AND expires_at IS NOT NULL`)
	if err != nil {
		return nil, nil, fmt.Errorf("scanning device api keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k DeviceAPIKey
		if err := rows.Scan(&k.KeyID, &k.DeviceID, &k.TenantID, &k.Prefix, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, nil, err
		}
		switch {
		case k.ExpiresAt.Before(now):
			expired = append(expired, k)
		case k.ExpiresAt.Before(threshold):
			warning = append(warning, k)
		}
	}
	return warning, expired, rows.Err()
}

func (s *Store) logAttempt(deviceID, tenantID *uuid.UUID, success bool, reason string, prefix *string) {
	s.logAttemptRaw(deviceID, tenantID, success, reason, prefix, nil, nil)
}

func (s *Store) logAttemptRaw(deviceID, tenantID *uuid.UUID, success bool, reason string, prefix, ip, ua *string) {
	if s.audit == nil {
		return
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	entry := audit.Entry{
		DeviceID:      deviceID,
		TenantID:      tenantID,
		Success:       success,
		FailureReason: reasonPtr,
		APIKeyPrefix:  prefix,
		UserAgent:     ua,
	}
	if ip != nil {
		if addr, err := netip.ParseAddr(*ip); err == nil {
			entry.IPAddress = &addr
		}
	}
	s.audit.Log(entry)
}
