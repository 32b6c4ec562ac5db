package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
	"github.com/signalbeam/edge/pkg/messaging"
)

// Store evaluates alert rules and persists Alerts.
type Store struct {
	pool     *pgxpool.Pool
	clock    clock.Clock
	cfg      Config
	dedup    *deduplicator
	notifier messaging.Provider // nil disables outbound dispatch
	logger   *slog.Logger
}

// New creates a Store with the spec's default rule thresholds. notifier may
// be nil, in which case alerts are persisted but never dispatched to chat.
func New(pool *pgxpool.Pool, rdb *redis.Client, c clock.Clock, notifier messaging.Provider, logger *slog.Logger) *Store {
	return &Store{pool: pool, clock: c, cfg: DefaultConfig(), dedup: newDeduplicator(rdb, logger), notifier: notifier, logger: logger}
}

// Tick evaluates every rule in turn, then auto-resolves any Active alert
// whose condition no longer holds, per spec §4.7.
func (s *Store) Tick(ctx context.Context) error {
	now := s.clock.Now().UTC()

	if err := s.evalOffline(ctx, now, RuleDeviceOfflineWarning, SeverityWarning, s.cfg.OfflineWarningAfter); err != nil {
		return fmt.Errorf("evaluating %s: %w", RuleDeviceOfflineWarning, err)
	}
	if err := s.evalOffline(ctx, now, RuleDeviceOfflineCritical, SeverityCritical, s.cfg.OfflineCriticalAfter); err != nil {
		return fmt.Errorf("evaluating %s: %w", RuleDeviceOfflineCritical, err)
	}
	if err := s.evalUnhealthy(ctx, now); err != nil {
		return fmt.Errorf("evaluating %s: %w", RuleDeviceUnhealthy, err)
	}
	if err := s.evalHighErrorRate(ctx, now); err != nil {
		return fmt.Errorf("evaluating %s: %w", RuleHighErrorRate, err)
	}
	if err := s.evalRolloutFailed(ctx); err != nil {
		return fmt.Errorf("evaluating %s: %w", RuleRolloutFailed, err)
	}

	if err := s.autoResolveOffline(ctx, RuleDeviceOfflineWarning); err != nil {
		return err
	}
	if err := s.autoResolveOffline(ctx, RuleDeviceOfflineCritical); err != nil {
		return err
	}
	if err := s.autoResolveUnhealthy(ctx); err != nil {
		return err
	}
	if err := s.autoResolveHighErrorRate(ctx, now); err != nil {
		return err
	}
	return nil
}

// createIfAbsent inserts an Active alert for (deviceID, alertType) unless
// one already exists for that pair, per the dedup key in spec §3 "Alert",
// then best-effort dispatches it to the configured chat provider.
func (s *Store) createIfAbsent(ctx context.Context, tenantID, deviceID uuid.UUID, alertType, severity, title, description string) error {
	if s.dedup.recentlyActive(ctx, deviceID, alertType) {
		return nil
	}

	alertID := uuid.New()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, tenant_id, severity, type, status, title, description, device_id, created_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9
		WHERE NOT EXISTS (SELECT 1 FROM alerts WHERE type = $4 AND status = $5 AND device_id = $8)`,
		alertID, tenantID, severity, alertType, StatusActive, title, description, deviceID, s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.dedup.markActive(ctx, deviceID, alertType)
		s.dispatchCreate(ctx, alertID, deviceID, alertType, severity, title, description)
	}
	return nil
}

// dispatchCreate posts a newly-fired alert to the chat provider and
// persists the resulting message ref for later in-place updates. Failures
// are logged, never fatal to the tick — chat delivery is best-effort.
func (s *Store) dispatchCreate(ctx context.Context, alertID, deviceID uuid.UUID, alertType, severity, title, description string) {
	if s.notifier == nil {
		return
	}

	var deviceName string
	if err := s.pool.QueryRow(ctx, `SELECT name FROM devices WHERE id = $1`, deviceID).Scan(&deviceName); err != nil {
		s.logger.Error("looking up device name for alert dispatch", "alert_id", alertID, "error", err)
	}

	ref, err := s.notifier.PostAlert(ctx, messaging.AlertMessage{
		AlertID: alertID.String(), DeviceID: deviceID.String(), DeviceName: deviceName,
		AlertType: alertType, Title: title, Severity: severity, Status: StatusActive,
		Description: description, FiredAt: s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("dispatching alert", "alert_id", alertID, "error", err)
		return
	}
	if ref == nil {
		return
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE alerts SET notify_provider = $2, notify_channel_id = $3, notify_message_id = $4 WHERE id = $1`,
		alertID, ref.Provider, ref.ChannelID, ref.MessageID,
	); err != nil {
		s.logger.Error("persisting alert notify ref", "alert_id", alertID, "error", err)
	}
}

// dispatchUpdate applies a status change to a previously-dispatched alert's
// chat message, if one exists.
func (s *Store) dispatchUpdate(ctx context.Context, alertID, tenantID uuid.UUID, status, by string) {
	if s.notifier == nil {
		return
	}

	var title, alertType, severity string
	var provider, channelID, messageID *string
	err := s.pool.QueryRow(ctx, `
		SELECT title, type, severity, notify_provider, notify_channel_id, notify_message_id
		FROM alerts WHERE id = $1 AND tenant_id = $2`, alertID, tenantID,
	).Scan(&title, &alertType, &severity, &provider, &channelID, &messageID)
	if err != nil {
		s.logger.Error("looking up alert for notify update", "alert_id", alertID, "error", err)
		return
	}
	if channelID == nil || messageID == nil {
		return
	}

	msg := messaging.AlertMessage{
		AlertID: alertID.String(), AlertType: alertType, Title: title, Severity: severity, Status: status,
	}
	switch status {
	case StatusAcknowledged:
		msg.AcknowledgedBy = by
	case StatusResolved:
		msg.ResolvedBy = by
	}

	if err := s.notifier.UpdateAlert(ctx, messaging.MessageRef{ChannelID: *channelID, MessageID: *messageID}, msg); err != nil {
		s.logger.Error("updating dispatched alert", "alert_id", alertID, "error", err)
	}
}

func (s *Store) evalOffline(ctx context.Context, now time.Time, alertType, severity string, after time.Duration) error {
	// Re-derived from last_seen_at directly (rather than devices.online_status)
	// so this rule doesn't depend on the offline-detector tick's cadence.
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name FROM devices
		WHERE last_seen_at IS NOT NULL AND $1 - last_seen_at > make_interval(secs => $2)`,
		now, after.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("finding offline candidates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var deviceID, tenantID uuid.UUID
		var name string
		if err := rows.Scan(&deviceID, &tenantID, &name); err != nil {
			return err
		}
		title := fmt.Sprintf("device %s has not reported a heartbeat in over %s", name, after)
		if err := s.createIfAbsent(ctx, tenantID, deviceID, alertType, severity, title, title); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) autoResolveOffline(ctx context.Context, alertType string) error {
	var threshold time.Duration
	switch alertType {
	case RuleDeviceOfflineWarning:
		threshold = s.cfg.OfflineWarningAfter
	case RuleDeviceOfflineCritical:
		threshold = s.cfg.OfflineCriticalAfter
	}
	recovered, err := s.pool.Query(ctx, `
		SELECT device_id FROM alerts
		WHERE type = $1 AND status = $2 AND device_id IN (
			SELECT id FROM devices WHERE last_seen_at IS NOT NULL AND $3 - last_seen_at <= make_interval(secs => $4)
		)`,
		alertType, StatusActive, s.clock.Now().UTC(), threshold.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("finding recovered devices for %s: %w", alertType, err)
	}
	return s.resolveEach(ctx, recovered, alertType)
}

func (s *Store) evalUnhealthy(ctx context.Context, now time.Time) error {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (h.device_id) h.device_id, d.tenant_id, d.name, h.total
		FROM device_health_scores h
		JOIN devices d ON d.id = h.device_id
		WHERE h.at > $1
		ORDER BY h.device_id, h.at DESC`,
		now.Add(-s.cfg.UnhealthyWithin),
	)
	if err != nil {
		return fmt.Errorf("finding latest health scores: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var deviceID, tenantID uuid.UUID
		var name string
		var total float64
		if err := rows.Scan(&deviceID, &tenantID, &name, &total); err != nil {
			return err
		}
		if total >= s.cfg.UnhealthyScoreBelow {
			continue
		}
		title := fmt.Sprintf("device %s health score dropped to %.0f", name, total)
		if err := s.createIfAbsent(ctx, tenantID, deviceID, RuleDeviceUnhealthy, SeverityCritical, title, title); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) autoResolveUnhealthy(ctx context.Context) error {
	recovered, err := s.pool.Query(ctx, `
		SELECT a.device_id FROM alerts a
		WHERE a.type = $1 AND a.status = $2
		AND EXISTS (
			SELECT 1 FROM device_health_scores h
			WHERE h.device_id = a.device_id AND h.at = (SELECT max(at) FROM device_health_scores WHERE device_id = a.device_id)
			AND h.total >= $3
		)`,
		RuleDeviceUnhealthy, StatusActive, s.cfg.UnhealthyScoreBelow,
	)
	if err != nil {
		return fmt.Errorf("finding recovered health scores: %w", err)
	}
	return s.resolveEach(ctx, recovered, RuleDeviceUnhealthy)
}

func (s *Store) evalHighErrorRate(ctx context.Context, now time.Time) error {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.tenant_id, d.name,
			count(*) FILTER (WHERE h.status = 'error')::float / count(*)::float AS error_rate
		FROM devices d
		JOIN device_heartbeats h ON h.device_id = d.id
		WHERE h.at > $1
		GROUP BY d.id, d.tenant_id, d.name
		HAVING count(*) > 0`,
		now.Add(-s.cfg.ErrorRateWindow),
	)
	if err != nil {
		return fmt.Errorf("computing heartbeat error rates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var deviceID, tenantID uuid.UUID
		var name string
		var rate float64
		if err := rows.Scan(&deviceID, &tenantID, &name, &rate); err != nil {
			return err
		}
		if rate*100 < s.cfg.ErrorRateThresholdPct {
			continue
		}
		title := fmt.Sprintf("device %s error rate is %.1f%% over the last %s", name, rate*100, s.cfg.ErrorRateWindow)
		if err := s.createIfAbsent(ctx, tenantID, deviceID, RuleHighErrorRate, SeverityWarning, title, title); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) autoResolveHighErrorRate(ctx context.Context, now time.Time) error {
	active, err := s.pool.Query(ctx, `SELECT device_id FROM alerts WHERE type = $1 AND status = $2`, RuleHighErrorRate, StatusActive)
	if err != nil {
		return fmt.Errorf("listing active high_error_rate alerts: %w", err)
	}
	var deviceIDs []uuid.UUID
	for active.Next() {
		var id uuid.UUID
		if err := active.Scan(&id); err != nil {
			active.Close()
			return err
		}
		deviceIDs = append(deviceIDs, id)
	}
	active.Close()
	if err := active.Err(); err != nil {
		return err
	}

	for _, id := range deviceIDs {
		var rate float64
		err := s.pool.QueryRow(ctx, `
			SELECT count(*) FILTER (WHERE status = 'error')::float / count(*)::float
			FROM device_heartbeats WHERE device_id = $1 AND at > $2`,
			id, now.Add(-s.cfg.ErrorRateWindow),
		).Scan(&rate)
		if err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("recomputing error rate: %w", err)
		}
		if err == pgx.ErrNoRows || rate*100 < s.cfg.ErrorRateThresholdPct {
			if _, err := s.pool.Exec(ctx, `UPDATE alerts SET status = $2, resolved_at = $3 WHERE type = $1 AND status = $4 AND device_id = $5`,
				RuleHighErrorRate, StatusResolved, s.clock.Now().UTC(), StatusActive, id); err != nil {
				return fmt.Errorf("resolving high_error_rate alert: %w", err)
			}
			s.dedup.clear(ctx, id, RuleHighErrorRate)
		}
	}
	return nil
}

func (s *Store) evalRolloutFailed(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, status FROM rollouts WHERE status IN ('failed', 'rolled_back')`,
	)
	if err != nil {
		return fmt.Errorf("finding failed rollouts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rolloutID, tenantID uuid.UUID
		var name, status string
		if err := rows.Scan(&rolloutID, &tenantID, &name, &status); err != nil {
			return err
		}
		title := fmt.Sprintf("rollout %s is %s", name, status)
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO alerts (id, tenant_id, severity, type, status, title, description, rollout_id, created_at)
			SELECT $1,$2,$3,$4,$5,$6,$6,$7,$8
			WHERE NOT EXISTS (SELECT 1 FROM alerts WHERE type = $4 AND status = $5 AND rollout_id = $7)`,
			uuid.New(), tenantID, SeverityCritical, RuleRolloutFailed, StatusActive, title, rolloutID, s.clock.Now().UTC(),
		); err != nil {
			return fmt.Errorf("inserting rollout_failed alert: %w", err)
		}
	}
	return rows.Err()
}

// resolveEach transitions every row's device_id to Resolved for alertType.
func (s *Store) resolveEach(ctx context.Context, rows pgx.Rows, alertType string) error {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.pool.Exec(ctx, `UPDATE alerts SET status = $2, resolved_at = $3 WHERE type = $1 AND status = $4 AND device_id = $5`,
			alertType, StatusResolved, s.clock.Now().UTC(), StatusActive, id); err != nil {
			return fmt.Errorf("resolving %s alert for device %s: %w", alertType, id, err)
		}
		s.dedup.clear(ctx, id, alertType)
	}
	return nil
}

// List returns a tenant's alerts, optionally filtered by status.
// List returns a tenant's alerts, optionally filtered by status and
// keyset-paginated on (createdAt, id). limit <= 0 means unlimited; after
// rows are fetched limit+1 at a time so callers can detect more pages.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, status string, limit int, afterCreatedAt *time.Time, afterID *uuid.UUID) ([]Alert, error) {
	query := `SELECT id, severity, type, status, title, description, device_id, rollout_id, created_at, acknowledged_at, acknowledged_by, resolved_at
		FROM alerts WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if afterCreatedAt != nil && afterID != nil {
		args = append(args, *afterCreatedAt, *afterID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit+1)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a := Alert{TenantID: tenantID}
		if err := rows.Scan(&a.AlertID, &a.Severity, &a.Type, &a.Status, &a.Title, &a.Description,
			&a.DeviceID, &a.RolloutID, &a.CreatedAt, &a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Acknowledge sets acknowledgedBy/acknowledgedAt. Idempotent-terminal: a
// resolved alert is unaffected.
func (s *Store) Acknowledge(ctx context.Context, tenantID, alertID uuid.UUID, by string) error {
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = $3, acknowledged_at = $4, acknowledged_by = $5
		WHERE id = $1 AND tenant_id = $2 AND status = $6`,
		alertID, tenantID, StatusAcknowledged, now, by, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("acknowledging alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireExists(ctx, tenantID, alertID); err != nil {
			return err
		}
	} else {
		s.dispatchUpdate(ctx, alertID, tenantID, StatusAcknowledged, by)
	}
	return nil
}

// Resolve sets resolvedAt. Idempotent-terminal.
func (s *Store) Resolve(ctx context.Context, tenantID, alertID uuid.UUID) error {
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = $3, resolved_at = $4
		WHERE id = $1 AND tenant_id = $2 AND status != $3`,
		alertID, tenantID, StatusResolved, now,
	)
	if err != nil {
		return fmt.Errorf("resolving alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireExists(ctx, tenantID, alertID); err != nil {
			return err
		}
	} else {
		s.dispatchUpdate(ctx, alertID, tenantID, StatusResolved, "")
	}
	return nil
}

func (s *Store) requireExists(ctx context.Context, tenantID, alertID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT true FROM alerts WHERE id = $1 AND tenant_id = $2`, alertID, tenantID).Scan(&exists)
	if err == pgx.ErrNoRows {
		return apierr.New(apierr.CodeNotFound, "alert not found")
	}
	return err
}
