package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"

	maxFutureSkew = 5 * time.Minute
)

// Store implements the Heartbeat & Metrics Ingest against the shared
// device_heartbeats/device_metrics/devices tables.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// New creates a Store.
func New(pool *pgxpool.Pool, c clock.Clock) *Store {
	return &Store{pool: pool, clock: c}
}

// PostHeartbeat appends a heartbeat, advances Device.lastSeenAt, and
// transitions the device to Online if it was not already, per spec §4.3.
func (s *Store) PostHeartbeat(ctx context.Context, tenantID, deviceID uuid.UUID, hb Heartbeat) error {
	now := s.clock.Now().UTC()
	if hb.At.After(now.Add(maxFutureSkew)) {
		return apierr.New(apierr.CodeInvalidTimestamp, "heartbeat timestamp is too far in the future")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT true FROM devices WHERE id = $1 AND tenant_id = $2`, deviceID, tenantID).Scan(&exists); err != nil {
		return apierr.New(apierr.CodeDeviceNotFound, "device not found")
	}

	status := hb.Status
	if status == "" {
		status = statusOnline
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO device_heartbeats (device_id, at, status, ip_address, extras)
		VALUES ($1, $2, $3, $4, $5)`,
		deviceID, hb.At, status, hb.IPAddress, hb.Extras,
	); err != nil {
		return fmt.Errorf("inserting heartbeat: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE devices SET
			last_seen_at = GREATEST(last_seen_at, $2),
			online_status = CASE WHEN online_status != $3 THEN $3 ELSE online_status END
		WHERE id = $1`,
		deviceID, hb.At, statusOnline,
	); err != nil {
		return fmt.Errorf("updating device liveness: %w", err)
	}

	return tx.Commit(ctx)
}

// PostMetrics appends a resource-usage sample after validating that
// percentages fall within [0,100].
func (s *Store) PostMetrics(ctx context.Context, tenantID, deviceID uuid.UUID, m Metrics) error {
	for _, pct := range []float64{m.CPUPercent, m.MemPercent, m.DiskPercent} {
		if pct < 0 || pct > 100 {
			return apierr.New(apierr.CodeValidationFailed, "cpu/mem/disk percentages must be within [0,100]")
		}
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT true FROM devices WHERE id = $1 AND tenant_id = $2`, deviceID, tenantID).Scan(&exists); err != nil {
		return apierr.New(apierr.CodeDeviceNotFound, "device not found")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_metrics (device_id, at, cpu_percent, mem_percent, disk_percent, uptime_sec, running_containers, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		deviceID, m.At, m.CPUPercent, m.MemPercent, m.DiskPercent, m.UptimeSec, m.RunningContainers, m.Extras,
	)
	if err != nil {
		return fmt.Errorf("inserting metrics: %w", err)
	}
	return nil
}

// OfflineTick transitions every device whose (now - lastSeenAt) exceeds
// threshold and whose onlineStatus is still Online to Offline. Idempotent:
// re-running it before the next period has no additional effect, per spec
// §4.3 "Offline transition".
func (s *Store) OfflineTick(ctx context.Context, threshold time.Duration) (transitioned int, err error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-threshold)

	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET online_status = $1
		WHERE online_status = $2 AND (last_seen_at IS NULL OR last_seen_at < $3)`,
		statusOffline, statusOnline, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("running offline tick: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RetentionSweep deletes heartbeat and metric rows older than
// retentionDays, in descending-age order, capped at batchSize rows per
// table per call so a single sweep cannot lock the tables for long.
func (s *Store) RetentionSweep(ctx context.Context, tenantID uuid.UUID, retentionDays, batchSize int) (deleted int, err error) {
	now := s.clock.Now().UTC()
	cutoff := now.AddDate(0, 0, -retentionDays)

	hbTag, err := s.pool.Exec(ctx, `
		DELETE FROM device_heartbeats WHERE ctid IN (
			SELECT h.ctid FROM device_heartbeats h
			JOIN devices d ON d.id = h.device_id
			WHERE d.tenant_id = $1 AND h.at < $2
			ORDER BY h.at ASC
			LIMIT $3
		)`,
		tenantID, cutoff, batchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping heartbeats: %w", err)
	}

	metricsTag, err := s.pool.Exec(ctx, `
		DELETE FROM device_metrics WHERE ctid IN (
			SELECT m.ctid FROM device_metrics m
			JOIN devices d ON d.id = m.device_id
			WHERE d.tenant_id = $1 AND m.at < $2
			ORDER BY m.at ASC
			LIMIT $3
		)`,
		tenantID, cutoff, batchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping metrics: %w", err)
	}

	return int(hbTag.RowsAffected() + metricsTag.RowsAffected()), nil
}
