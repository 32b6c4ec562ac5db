package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/clock"
)

const (
	// Devices that haven't heartbeat in this long are skipped entirely
	// rather than scored at 0, per spec §4.4 "For each device that
	// heartbeat in the last 24 h".
	eligibilityWindow = 24 * time.Hour

	metricsSampleWindow = 5 * time.Minute

	recentReconciliationLimit = 10
)

// Store runs the health-scoring job and persists the resulting series.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// New creates a Store.
func New(pool *pgxpool.Pool, c clock.Clock) *Store {
	return &Store{pool: pool, clock: c}
}

// Tick scores every eligible device and appends a Score row for each. It
// returns the number of devices scored.
func (s *Store) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT id, last_seen_at FROM devices
		WHERE last_seen_at IS NOT NULL AND last_seen_at > $1`,
		now.Add(-eligibilityWindow),
	)
	if err != nil {
		return 0, fmt.Errorf("listing eligible devices: %w", err)
	}
	type candidate struct {
		id         uuid.UUID
		lastSeenAt time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.lastSeenAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning device: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	scored := 0
	for _, c := range candidates {
		score, err := s.scoreDevice(ctx, c.id, now, c.lastSeenAt)
		if err != nil {
			return scored, fmt.Errorf("scoring device %s: %w", c.id, err)
		}
		if err := s.insert(ctx, score); err != nil {
			return scored, fmt.Errorf("persisting score for device %s: %w", c.id, err)
		}
		scored++
	}
	return scored, nil
}

func (s *Store) scoreDevice(ctx context.Context, deviceID uuid.UUID, now, lastSeenAt time.Time) (Score, error) {
	successCount, totalCount, err := s.reconciliationHistory(ctx, deviceID)
	if err != nil {
		return Score{}, err
	}

	hasSample, cpu, mem, disk, err := s.latestMetrics(ctx, deviceID, now)
	if err != nil {
		return Score{}, err
	}

	total, hb, recon, res := compute(now.Sub(lastSeenAt), successCount, totalCount, hasSample, cpu, mem, disk)
	return Score{
		DeviceID:            deviceID,
		At:                  now,
		Total:               total,
		HeartbeatScore:      hb,
		ReconciliationScore: recon,
		ResourceScore:       res,
	}, nil
}

func (s *Store) reconciliationHistory(ctx context.Context, deviceID uuid.UUID) (successCount, totalCount int, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state FROM reported_status
		WHERE device_id = $1 AND state IN ('completed', 'failed')
		ORDER BY started_at DESC
		LIMIT $2`,
		deviceID, recentReconciliationLimit,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("querying reconciliation history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return 0, 0, err
		}
		totalCount++
		if state == "completed" {
			successCount++
		}
	}
	return successCount, totalCount, rows.Err()
}

func (s *Store) latestMetrics(ctx context.Context, deviceID uuid.UUID, now time.Time) (hasSample bool, cpu, mem, disk float64, err error) {
	var at time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT at, cpu_percent, mem_percent, disk_percent FROM device_metrics
		WHERE device_id = $1
		ORDER BY at DESC
		LIMIT 1`,
		deviceID,
	).Scan(&at, &cpu, &mem, &disk)
	if err == pgx.ErrNoRows {
		return false, 0, 0, 0, nil
	}
	if err != nil {
		return false, 0, 0, 0, fmt.Errorf("querying latest metrics: %w", err)
	}
	if now.Sub(at) > metricsSampleWindow {
		return false, 0, 0, 0, nil
	}
	return true, cpu, mem, disk, nil
}

func (s *Store) insert(ctx context.Context, score Score) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_health_scores (device_id, at, total, heartbeat_score, reconciliation_score, resource_score)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		score.DeviceID, score.At, score.Total, score.HeartbeatScore, score.ReconciliationScore, score.ResourceScore,
	)
	if err != nil {
		return fmt.Errorf("inserting health score: %w", err)
	}
	return nil
}

// Latest returns the most recent score for a device, or nil if none exists.
func (s *Store) Latest(ctx context.Context, deviceID uuid.UUID) (*Score, error) {
	var sc Score
	sc.DeviceID = deviceID
	err := s.pool.QueryRow(ctx, `
		SELECT at, total, heartbeat_score, reconciliation_score, resource_score
		FROM device_health_scores
		WHERE device_id = $1
		ORDER BY at DESC
		LIMIT 1`,
		deviceID,
	).Scan(&sc.At, &sc.Total, &sc.HeartbeatScore, &sc.ReconciliationScore, &sc.ResourceScore)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest score: %w", err)
	}
	return &sc, nil
}
