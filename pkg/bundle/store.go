package bundle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
)

// Store persists Bundles and BundleVersions.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// New creates a Store.
func New(pool *pgxpool.Pool, c clock.Clock) *Store {
	return &Store{pool: pool, clock: c}
}

// Create registers a new, version-less Bundle.
func (s *Store) Create(ctx context.Context, tenantID uuid.UUID, name string) (*Bundle, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundles (id, tenant_id, name) VALUES ($1, $2, $3)`,
		id, tenantID, name,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting bundle: %w", err)
	}
	return &Bundle{BundleID: id, TenantID: tenantID, Name: name}, nil
}

// Get returns a tenant-scoped Bundle by ID.
func (s *Store) Get(ctx context.Context, tenantID, bundleID uuid.UUID) (*Bundle, error) {
	var b Bundle
	b.BundleID = bundleID
	b.TenantID = tenantID
	err := s.pool.QueryRow(ctx, `
		SELECT name, latest_version FROM bundles WHERE id = $1 AND tenant_id = $2`,
		bundleID, tenantID,
	).Scan(&b.Name, &b.LatestVersion)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.CodeBundleNotFound, "bundle not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying bundle: %w", err)
	}
	return &b, nil
}

// PublishVersion creates a new, unique (bundleId, version) BundleVersion
// and advances the bundle's latestVersion pointer.
func (s *Store) PublishVersion(ctx context.Context, tenantID, bundleID uuid.UUID, v Version) (*Version, error) {
	containersJSON, err := json.Marshal(v.Containers)
	if err != nil {
		return nil, fmt.Errorf("encoding container specs: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT true FROM bundles WHERE id = $1 AND tenant_id = $2`, bundleID, tenantID).Scan(&exists); err != nil {
		return nil, apierr.New(apierr.CodeBundleNotFound, "bundle not found")
	}

	now := s.clock.Now().UTC()
	status := v.Status
	if status == "" {
		status = VersionStatusPublished
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO bundle_versions (bundle_id, version, containers, created_at, release_notes, blob_uri, checksum, size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		bundleID, v.Version, containersJSON, now, v.ReleaseNotes, v.BlobURI, v.Checksum, v.SizeBytes, status,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting bundle version (bundle_id, version unique): %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE bundles SET latest_version = $2 WHERE id = $1`, bundleID, v.Version); err != nil {
		return nil, fmt.Errorf("advancing latest_version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	v.BundleID = bundleID
	v.CreatedAt = now
	v.Status = status
	return &v, nil
}

// GetVersion resolves a (bundleId, version) pair to its BundleVersion.
func (s *Store) GetVersion(ctx context.Context, bundleID uuid.UUID, version string) (*Version, error) {
	var v Version
	v.BundleID = bundleID
	v.Version = version
	var containersJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT containers, created_at, release_notes, blob_uri, checksum, size_bytes, status
		FROM bundle_versions WHERE bundle_id = $1 AND version = $2`,
		bundleID, version,
	).Scan(&containersJSON, &v.CreatedAt, &v.ReleaseNotes, &v.BlobURI, &v.Checksum, &v.SizeBytes, &v.Status)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.CodeBundleNotFound, "bundle version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying bundle version: %w", err)
	}
	if err := json.Unmarshal(containersJSON, &v.Containers); err != nil {
		return nil, fmt.Errorf("decoding container specs: %w", err)
	}
	return &v, nil
}

// VersionExists reports whether (bundleId, version) resolves to an
// existing BundleVersion, without paying for the containers payload.
func (s *Store) VersionExists(ctx context.Context, bundleID uuid.UUID, version string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT true FROM bundle_versions WHERE bundle_id = $1 AND version = $2`, bundleID, version).Scan(&exists)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking bundle version: %w", err)
	}
	return exists, nil
}

// ListVersions returns every version of a bundle, newest first.
func (s *Store) ListVersions(ctx context.Context, bundleID uuid.UUID) ([]Version, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version, created_at, release_notes, blob_uri, checksum, size_bytes, status
		FROM bundle_versions WHERE bundle_id = $1 ORDER BY created_at DESC`,
		bundleID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bundle versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v := Version{BundleID: bundleID}
		if err := rows.Scan(&v.Version, &v.CreatedAt, &v.ReleaseNotes, &v.BlobURI, &v.Checksum, &v.SizeBytes, &v.Status); err != nil {
			return nil, fmt.Errorf("scanning bundle version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
