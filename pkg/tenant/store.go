package tenant

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
)

// slugPattern restricts tenant slugs to URL- and log-safe identifiers.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)

const (
	defaultMaxDevices        = 100
	defaultDataRetentionDays = 90
)

// Store persists Tenants in the shared schema.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// New creates a Store.
func New(pool *pgxpool.Pool, c clock.Clock) *Store {
	return &Store{pool: pool, clock: c}
}

// CreateInput are the fields an admin supplies when onboarding a tenant.
type CreateInput struct {
	Name              string
	Slug              string
	MaxDevices        int
	DataRetentionDays int
}

// Create registers a new Tenant. Slug must be unique and URL-safe.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Tenant, error) {
	if !slugPattern.MatchString(in.Slug) {
		return nil, apierr.New(apierr.CodeValidationFailed, "slug must match "+slugPattern.String())
	}

	maxDevices := in.MaxDevices
	if maxDevices <= 0 {
		maxDevices = defaultMaxDevices
	}
	retention := in.DataRetentionDays
	if retention <= 0 {
		retention = defaultDataRetentionDays
	}

	t := &Tenant{
		TenantID: uuid.New(), Name: in.Name, Slug: in.Slug,
		MaxDevices: maxDevices, DataRetentionDays: retention, CreatedAt: s.clock.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, slug, max_devices, data_retention_days, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TenantID, t.Name, t.Slug, t.MaxDevices, t.DataRetentionDays, t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting tenant (slug unique): %w", err)
	}
	return t, nil
}

// Get returns a Tenant by ID.
func (s *Store) Get(ctx context.Context, tenantID uuid.UUID) (*Tenant, error) {
	return s.scanOne(ctx, `
		SELECT id, name, slug, max_devices, data_retention_days, created_at
		FROM tenants WHERE id = $1`, tenantID)
}

// GetBySlug returns a Tenant by its unique slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.scanOne(ctx, `
		SELECT id, name, slug, max_devices, data_retention_days, created_at
		FROM tenants WHERE slug = $1`, slug)
}

func (s *Store) scanOne(ctx context.Context, query string, arg any) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx, query, arg).Scan(&t.TenantID, &t.Name, &t.Slug, &t.MaxDevices, &t.DataRetentionDays, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.CodeNotFound, "tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return &t, nil
}

// UpdateInput patches the mutable tenant limits. Nil fields are left
// unchanged.
type UpdateInput struct {
	Name              *string
	MaxDevices        *int
	DataRetentionDays *int
}

// Update patches name/limits on an existing Tenant.
func (s *Store) Update(ctx context.Context, tenantID uuid.UUID, in UpdateInput) (*Tenant, error) {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		t.Name = *in.Name
	}
	if in.MaxDevices != nil {
		t.MaxDevices = *in.MaxDevices
	}
	if in.DataRetentionDays != nil {
		t.DataRetentionDays = *in.DataRetentionDays
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE tenants SET name = $2, max_devices = $3, data_retention_days = $4 WHERE id = $1`,
		t.TenantID, t.Name, t.MaxDevices, t.DataRetentionDays,
	)
	if err != nil {
		return nil, fmt.Errorf("updating tenant: %w", err)
	}
	return t, nil
}

// List returns every Tenant, oldest first. Tenant count is small and
// admin-only, so no pagination.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, slug, max_devices, data_retention_days, created_at
		FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.TenantID, &t.Name, &t.Slug, &t.MaxDevices, &t.DataRetentionDays, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
