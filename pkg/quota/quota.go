// Package quota implements the Quota Gate (spec component C8): a single,
// idempotent, side-effect-free check of whether a tenant may register
// another device.
package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrQuotaExceeded is returned by Gate.CheckDeviceQuota when the tenant has
// reached its device limit.
type ErrQuotaExceeded struct {
	TenantID uuid.UUID
	Limit    int
	Current  int
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("tenant %s has %d devices, limit %d", e.TenantID, e.Current, e.Limit)
}

// Gate implements the Quota Gate as an in-process call against the tenant
// table, counting approved-or-pending devices against maxDevices. A
// deployment backed by an external identity service would instead implement
// this interface with an HTTP call; both are idempotent and side-effect-free
// per spec §4.8.
type Gate struct {
	pool *pgxpool.Pool
}

// New creates an in-process Gate.
func New(pool *pgxpool.Pool) *Gate {
	return &Gate{pool: pool}
}

// CheckDeviceQuota returns nil if tenantID may register another device, or
// an *ErrQuotaExceeded if it has reached tenants.max_devices.
func (g *Gate) CheckDeviceQuota(ctx context.Context, tenantID uuid.UUID) error {
	var maxDevices, current int

	err := g.pool.QueryRow(ctx,
		`SELECT max_devices FROM tenants WHERE id = $1`, tenantID,
	).Scan(&maxDevices)
	if err != nil {
		return fmt.Errorf("looking up tenant quota: %w", err)
	}

	err = g.pool.QueryRow(ctx,
		`SELECT count(*) FROM devices WHERE tenant_id = $1 AND registration_status != 'rejected'`, tenantID,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("counting tenant devices: %w", err)
	}

	if current >= maxDevices {
		return &ErrQuotaExceeded{TenantID: tenantID, Limit: maxDevices, Current: current}
	}
	return nil
}
