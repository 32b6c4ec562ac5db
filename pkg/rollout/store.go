package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
)

// BundleVersionChecker is the narrow slice of pkg/bundle.Store that Create
// needs to verify its input resolves to a real BundleVersion.
type BundleVersionChecker interface {
	VersionExists(ctx context.Context, bundleID uuid.UUID, version string) (bool, error)
}

// Store orchestrates Rollout creation, lifecycle transitions, and the
// periodic tick.
type Store struct {
	pool    *pgxpool.Pool
	bundles BundleVersionChecker
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, bundles BundleVersionChecker, c clock.Clock, logger *slog.Logger) *Store {
	return &Store{pool: pool, bundles: bundles, clock: c, logger: logger}
}

// Create validates and inserts a new Rollout in Pending, with all phases
// Pending, per spec §4.6.2.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Rollout, error) {
	if len(in.Phases) == 0 {
		return nil, apierr.New(apierr.CodeValidationFailed, "a rollout must declare at least one phase")
	}
	for i, p := range in.Phases {
		if (p.TargetDeviceCount == nil) == (p.TargetPercentage == nil) {
			return nil, apierr.New(apierr.CodeValidationFailed, fmt.Sprintf("phase %d must set exactly one of targetDeviceCount/targetPercentage", i+1))
		}
	}

	failureThreshold := DefaultFailureThreshold
	if in.FailureThreshold != nil {
		if *in.FailureThreshold < 0 || *in.FailureThreshold > 1 {
			return nil, apierr.New(apierr.CodeValidationFailed, "failureThreshold must be within [0,1]")
		}
		failureThreshold = *in.FailureThreshold
	}
	maxRetries := DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	ok, err := s.bundles.VersionExists(ctx, in.BundleID, in.TargetVersion)
	if err != nil {
		return nil, fmt.Errorf("checking target bundle version: %w", err)
	}
	if !ok {
		return nil, apierr.New(apierr.CodeBundleNotFound, "target bundle version not found")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var conflicting bool
	if err := tx.QueryRow(ctx, `
		SELECT true FROM rollouts
		WHERE bundle_id = $1 AND status IN ($2, $3)`,
		in.BundleID, StatusInProgress, StatusPaused,
	).Scan(&conflicting); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("checking for conflicting rollout: %w", err)
	}
	if conflicting {
		return nil, apierr.New(apierr.CodeActiveRolloutExists, "bundle already has an in-progress or paused rollout")
	}

	now := s.clock.Now().UTC()
	rolloutID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO rollouts (id, tenant_id, bundle_id, target_version, previous_version, name, description,
			failure_threshold, max_retries, status, current_phase_number, created_at, created_by, eligibility_policy, target_group_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,$12,$13,$14)`,
		rolloutID, in.TenantID, in.BundleID, in.TargetVersion, in.PreviousVersion, in.Name, in.Description,
		failureThreshold, maxRetries, StatusPending, now, in.CreatedBy, string(in.EligibilityPolicy), in.TargetGroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting rollout: %w", err)
	}

	for i, p := range in.Phases {
		minHealthy := DefaultMinHealthyWindow
		if p.MinHealthyDuration != nil {
			minHealthy = *p.MinHealthyDuration
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO rollout_phases (id, rollout_id, phase_number, name, target_device_count, target_percentage,
				status, min_healthy_duration_seconds, success_count, failure_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0)`,
			uuid.New(), rolloutID, i+1, p.Name, p.TargetDeviceCount, p.TargetPercentage, PhaseStatusPending, int(minHealthy.Seconds()),
		); err != nil {
			return nil, fmt.Errorf("inserting phase %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &Rollout{
		RolloutID: rolloutID, TenantID: in.TenantID, BundleID: in.BundleID, TargetVersion: in.TargetVersion,
		PreviousVersion: in.PreviousVersion, Name: in.Name, Description: in.Description,
		FailureThreshold: failureThreshold, MaxRetries: maxRetries, Status: StatusPending,
		CreatedAt: now, CreatedBy: in.CreatedBy,
	}, nil
}

// candidateDevices enumerates eligible devices for a rollout per its
// eligibility policy, excluding devices already claimed by an earlier phase
// of this rollout. Rows are returned unordered; orderCandidates applies the
// spec §4.6.3 order.
func (s *Store) candidateDevices(ctx context.Context, tx pgx.Tx, r rolloutRow) ([]DeviceHealthInfo, error) {
	query := `
		SELECT d.id, COALESCE(h.total, 0), COALESCE(d.last_seen_at, to_timestamp(0))
		FROM devices d
		LEFT JOIN LATERAL (
			SELECT total FROM device_health_scores WHERE device_id = d.id ORDER BY at DESC LIMIT 1
		) h ON true
		WHERE d.tenant_id = $1
		AND d.id NOT IN (SELECT device_id FROM rollout_device_assignments WHERE rollout_id = $2)`
	args := []any{r.tenantID, r.rolloutID}

	switch EligibilityPolicy(r.eligibilityPolicy) {
	case GroupMembers:
		if r.targetGroupID == nil {
			return nil, fmt.Errorf("eligibility policy GroupMembers requires a targetGroupId")
		}
		query += ` AND d.id IN (SELECT device_id FROM device_group_members WHERE group_id = $3)`
		args = append(args, *r.targetGroupID)
	default: // AllBundleUsers
		query += ` AND d.id IN (SELECT device_id FROM device_desired_state WHERE bundle_id = $3)`
		args = append(args, r.bundleID)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("enumerating candidate devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceHealthInfo
	for rows.Next() {
		var d DeviceHealthInfo
		if err := rows.Scan(&d.DeviceID, &d.HealthScore, &d.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rolloutRow struct {
	rolloutID         uuid.UUID
	tenantID          uuid.UUID
	bundleID          uuid.UUID
	targetVersion     string
	previousVersion   *string
	status            string
	currentPhaseNum   int
	failureThreshold  float64
	maxRetries        int
	eligibilityPolicy string
	targetGroupID     *uuid.UUID
}

func (s *Store) loadRollout(ctx context.Context, tx pgx.Tx, rolloutID uuid.UUID) (*rolloutRow, error) {
	var r rolloutRow
	r.rolloutID = rolloutID
	err := tx.QueryRow(ctx, `
		SELECT tenant_id, bundle_id, target_version, previous_version, status, current_phase_number,
			failure_threshold, max_retries, eligibility_policy, target_group_id
		FROM rollouts WHERE id = $1 FOR UPDATE`,
		rolloutID,
	).Scan(&r.tenantID, &r.bundleID, &r.targetVersion, &r.previousVersion, &r.status, &r.currentPhaseNum,
		&r.failureThreshold, &r.maxRetries, &r.eligibilityPolicy, &r.targetGroupID)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.CodeRolloutNotFound, "rollout not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading rollout: %w", err)
	}
	return &r, nil
}

// withRolloutLock serializes all mutation of one rolloutId through a
// Postgres transaction-scoped advisory lock, per spec §4.6.4 "a
// single-writer control loop"; concurrent callers for the same rollout
// block until the lock is released at commit/rollback.
func (s *Store) withRolloutLock(ctx context.Context, rolloutID uuid.UUID, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, rolloutID); err != nil {
		return fmt.Errorf("acquiring rollout lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Start transitions Pending -> InProgress and runs the phase-1 advance
// step, per spec §4.6.5.
func (s *Store) Start(ctx context.Context, tenantID, rolloutID uuid.UUID) error {
	return s.withRolloutLock(ctx, rolloutID, func(tx pgx.Tx) error {
		r, err := s.loadRollout(ctx, tx, rolloutID)
		if err != nil {
			return err
		}
		if r.tenantID != tenantID {
			return apierr.New(apierr.CodeRolloutNotFound, "rollout not found")
		}
		if r.status != StatusPending {
			return apierr.New(apierr.CodeValidationFailed, "only a Pending rollout can be started")
		}

		now := s.clock.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE rollouts SET status = $2, started_at = $3 WHERE id = $1`, rolloutID, StatusInProgress, now); err != nil {
			return fmt.Errorf("marking rollout in progress: %w", err)
		}
		return s.advanceToNextPhase(ctx, tx, r)
	})
}

// Pause transitions InProgress -> Paused. Already-written DesiredState is
// untouched; in-flight reconciliations continue to be recorded.
func (s *Store) Pause(ctx context.Context, tenantID, rolloutID uuid.UUID) error {
	return s.withRolloutLock(ctx, rolloutID, func(tx pgx.Tx) error {
		r, err := s.loadRollout(ctx, tx, rolloutID)
		if err != nil {
			return err
		}
		if r.tenantID != tenantID {
			return apierr.New(apierr.CodeRolloutNotFound, "rollout not found")
		}
		if r.status != StatusInProgress {
			return apierr.New(apierr.CodeValidationFailed, "only an InProgress rollout can be paused")
		}
		_, err = tx.Exec(ctx, `UPDATE rollouts SET status = $2 WHERE id = $1`, rolloutID, StatusPaused)
		return err
	})
}

// Resume transitions Paused -> InProgress; the next tick resumes at the
// current phase and re-evaluates the failure gate immediately.
func (s *Store) Resume(ctx context.Context, tenantID, rolloutID uuid.UUID) error {
	return s.withRolloutLock(ctx, rolloutID, func(tx pgx.Tx) error {
		r, err := s.loadRollout(ctx, tx, rolloutID)
		if err != nil {
			return err
		}
		if r.tenantID != tenantID {
			return apierr.New(apierr.CodeRolloutNotFound, "rollout not found")
		}
		if r.status != StatusPaused {
			return apierr.New(apierr.CodeValidationFailed, "only a Paused rollout can be resumed")
		}
		_, err = tx.Exec(ctx, `UPDATE rollouts SET status = $2 WHERE id = $1`, rolloutID, StatusInProgress)
		return err
	})
}

// ManualRollback rolls a rollout back to its previousVersion, per spec
// §4.6.5/§4.6.6. Allowed from InProgress or Paused; requires a
// previousVersion.
func (s *Store) ManualRollback(ctx context.Context, tenantID, rolloutID uuid.UUID) error {
	return s.withRolloutLock(ctx, rolloutID, func(tx pgx.Tx) error {
		r, err := s.loadRollout(ctx, tx, rolloutID)
		if err != nil {
			return err
		}
		if r.tenantID != tenantID {
			return apierr.New(apierr.CodeRolloutNotFound, "rollout not found")
		}
		if r.status != StatusInProgress && r.status != StatusPaused {
			return apierr.New(apierr.CodeValidationFailed, "rollback requires an InProgress or Paused rollout")
		}
		if r.previousVersion == nil {
			return apierr.New(apierr.CodeNoPreviousVersion, "rollout has no previousVersion to roll back to")
		}
		return s.rollback(ctx, tx, r)
	})
}

// rollback implements spec §4.6.6: every device assigned anywhere in this
// rollout is overwritten back to previousVersion, the rollout and its
// non-terminal phases are marked terminal.
func (s *Store) rollback(ctx context.Context, tx pgx.Tx, r *rolloutRow) error {
	now := s.clock.Now().UTC()
	reason := fmt.Sprintf("rollback:%s", r.rolloutID)

	rows, err := tx.Query(ctx, `SELECT DISTINCT device_id FROM rollout_device_assignments WHERE rollout_id = $1`, r.rolloutID)
	if err != nil {
		return fmt.Errorf("listing rollout devices: %w", err)
	}
	var deviceIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		deviceIDs = append(deviceIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, deviceID := range deviceIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_desired_state (device_id, bundle_id, version, assigned_at, assigned_by, reason)
			VALUES ($1,$2,$3,$4,'rollout',$5)
			ON CONFLICT (device_id) DO UPDATE SET
				bundle_id = EXCLUDED.bundle_id, version = EXCLUDED.version,
				assigned_at = EXCLUDED.assigned_at, assigned_by = EXCLUDED.assigned_by, reason = EXCLUDED.reason`,
			deviceID, r.bundleID, *r.previousVersion, now, reason,
		); err != nil {
			return fmt.Errorf("overwriting desired state for rollback: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reported_status (device_id, bundle_id, version, rollout_id, state, started_at, retry_count)
			VALUES ($1,$2,$3,$4,'pending',$5,0)
			ON CONFLICT (device_id, bundle_id, version) DO UPDATE SET
				rollout_id = EXCLUDED.rollout_id, state = EXCLUDED.state`,
			deviceID, r.bundleID, *r.previousVersion, r.rolloutID, now,
		); err != nil {
			return fmt.Errorf("appending rollback report: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE rollouts SET status = $2, completed_at = $3 WHERE id = $1`, r.rolloutID, StatusRolledBack, now); err != nil {
		return fmt.Errorf("marking rollout rolled back: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE rollout_phases SET status = $2 WHERE rollout_id = $1 AND status NOT IN ($3, $4)`,
		r.rolloutID, PhaseStatusFailed, PhaseStatusCompleted, PhaseStatusFailed,
	); err != nil {
		return fmt.Errorf("marking non-terminal phases failed: %w", err)
	}
	return nil
}

// advanceToNextPhase starts the next Pending phase (or completes the
// rollout if none remain), selecting its devices per spec §4.6.3 and
// writing their DesiredState/Assignments/ReportedStatus per §4.6.4 step 6.
func (s *Store) advanceToNextPhase(ctx context.Context, tx pgx.Tx, r *rolloutRow) error {
	var phaseID uuid.UUID
	var phaseNumber int
	var targetCount *int
	var targetPct *float64
	err := tx.QueryRow(ctx, `
		SELECT id, phase_number, target_device_count, target_percentage
		FROM rollout_phases WHERE rollout_id = $1 AND status = $2 ORDER BY phase_number ASC LIMIT 1`,
		r.rolloutID, PhaseStatusPending,
	).Scan(&phaseID, &phaseNumber, &targetCount, &targetPct)
	if err == pgx.ErrNoRows {
		now := s.clock.Now().UTC()
		_, err := tx.Exec(ctx, `UPDATE rollouts SET status = $2, completed_at = $3 WHERE id = $1`, r.rolloutID, StatusCompleted, now)
		return err
	}
	if err != nil {
		return fmt.Errorf("finding next phase: %w", err)
	}

	var totalPhases int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM rollout_phases WHERE rollout_id = $1`, r.rolloutID).Scan(&totalPhases); err != nil {
		return fmt.Errorf("counting phases: %w", err)
	}
	finalPhase := phaseNumber == totalPhases

	candidates, err := s.candidateDevices(ctx, tx, *r)
	if err != nil {
		return err
	}
	target := resolvePhaseTarget(targetCount, targetPct, len(candidates))
	claimed, _ := selectPhaseDevices(candidates, target, finalPhase)

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE rollout_phases SET status = $2, started_at = $3 WHERE id = $1`,
		phaseID, PhaseStatusInProgress, now,
	); err != nil {
		return fmt.Errorf("marking phase in progress: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE rollouts SET current_phase_number = $2 WHERE id = $1`, r.rolloutID, phaseNumber); err != nil {
		return fmt.Errorf("advancing current phase number: %w", err)
	}

	reason := fmt.Sprintf("rollout:%s:phase:%d", r.rolloutID, phaseNumber)
	for _, d := range claimed {
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_desired_state (device_id, bundle_id, version, assigned_at, assigned_by, reason)
			VALUES ($1,$2,$3,$4,'rollout',$5)
			ON CONFLICT (device_id) DO UPDATE SET
				bundle_id = EXCLUDED.bundle_id, version = EXCLUDED.version,
				assigned_at = EXCLUDED.assigned_at, assigned_by = EXCLUDED.assigned_by, reason = EXCLUDED.reason`,
			d.DeviceID, r.bundleID, r.targetVersion, now, reason,
		); err != nil {
			return fmt.Errorf("writing desired state for %s: %w", d.DeviceID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO rollout_device_assignments (id, phase_id, rollout_id, device_id, status, assigned_at, retry_count)
			VALUES ($1,$2,$3,$4,$5,$6,0)`,
			uuid.New(), phaseID, r.rolloutID, d.DeviceID, AssignmentStatusAssigned, now,
		); err != nil {
			return fmt.Errorf("inserting assignment for %s: %w", d.DeviceID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reported_status (device_id, bundle_id, version, rollout_id, state, started_at, retry_count)
			VALUES ($1,$2,$3,$4,'pending',$5,0)
			ON CONFLICT (device_id, bundle_id, version) DO UPDATE SET
				rollout_id = EXCLUDED.rollout_id, state = EXCLUDED.state`,
			d.DeviceID, r.bundleID, r.targetVersion, r.rolloutID, now,
		); err != nil {
			return fmt.Errorf("appending pending report for %s: %w", d.DeviceID, err)
		}
	}
	return nil
}

// Tick runs the control loop for every InProgress rollout, per spec
// §4.6.4. Each rollout is processed under its own advisory lock so
// rollouts may be ticked concurrently without interfering.
func (s *Store) Tick(ctx context.Context) (processed int, err error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM rollouts WHERE status = $1`, StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("listing in-progress rollouts: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.tickOne(ctx, id); err != nil {
			s.logger.Error("rollout tick failed", "rollout_id", id, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// tickOne executes one iteration of §4.6.4 for a single rollout, wrapped
// in the rollout's advisory lock.
func (s *Store) tickOne(ctx context.Context, rolloutID uuid.UUID) error {
	return s.withRolloutLock(ctx, rolloutID, func(tx pgx.Tx) error {
		r, err := s.loadRollout(ctx, tx, rolloutID)
		if err != nil {
			return err
		}
		if r.status != StatusInProgress {
			return nil // paused or already terminal since listing; skip
		}

		phase, err := s.currentPhase(ctx, tx, r.rolloutID, r.currentPhaseNum)
		if err != nil {
			return err
		}
		if phase == nil {
			return nil
		}

		successCount, failureCount, totalAssignments, err := s.refreshAssignments(ctx, tx, *phase)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE rollout_phases SET success_count = $2, failure_count = $3 WHERE id = $1`,
			phase.PhaseID, successCount, failureCount); err != nil {
			return fmt.Errorf("updating phase counters: %w", err)
		}

		phaseTarget := resolvePhaseTarget(phase.TargetDeviceCount, phase.TargetPercentage, totalAssignments)
		if failureGateTripped(successCount, failureCount, phaseTarget, totalAssignments, r.failureThreshold) {
			return s.rollback(ctx, tx, r)
		}

		if successCount == totalAssignments && totalAssignments > 0 {
			if phase.HealthySince == nil {
				now := s.clock.Now().UTC()
				if _, err := tx.Exec(ctx, `UPDATE rollout_phases SET healthy_since = $2 WHERE id = $1`, phase.PhaseID, now); err != nil {
					return fmt.Errorf("recording phase healthy-since: %w", err)
				}
				phase.HealthySince = &now
			}
			if s.clock.Now().UTC().Sub(*phase.HealthySince) >= phase.MinHealthyDuration {
				now := s.clock.Now().UTC()
				if _, err := tx.Exec(ctx, `UPDATE rollout_phases SET status = $2, completed_at = $3 WHERE id = $1`,
					phase.PhaseID, PhaseStatusCompleted, now); err != nil {
					return fmt.Errorf("completing phase: %w", err)
				}
				return s.advanceToNextPhase(ctx, tx, r)
			}
		}
		return nil
	})
}

func (s *Store) currentPhase(ctx context.Context, tx pgx.Tx, rolloutID uuid.UUID, phaseNumber int) (*Phase, error) {
	if phaseNumber == 0 {
		return nil, nil
	}
	var p Phase
	p.RolloutID = rolloutID
	p.PhaseNumber = phaseNumber
	var minHealthySeconds int
	err := tx.QueryRow(ctx, `
		SELECT id, target_device_count, target_percentage, status, success_count, failure_count, min_healthy_duration_seconds, healthy_since
		FROM rollout_phases WHERE rollout_id = $1 AND phase_number = $2`,
		rolloutID, phaseNumber,
	).Scan(&p.PhaseID, &p.TargetDeviceCount, &p.TargetPercentage, &p.Status, &p.SuccessCount, &p.FailureCount, &minHealthySeconds, &p.HealthySince)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading current phase: %w", err)
	}
	p.MinHealthyDuration = time.Duration(minHealthySeconds) * time.Second
	return &p, nil
}

// refreshAssignments projects the latest ReportedStatus onto each
// assignment of the phase, per spec §4.6.4 step 2.
func (s *Store) refreshAssignments(ctx context.Context, tx pgx.Tx, phase Phase) (successCount, failureCount, total int, err error) {
	rows, err := tx.Query(ctx, `
		SELECT a.id, a.device_id, a.status, COALESCE(rs.state, 'pending')
		FROM rollout_device_assignments a
		LEFT JOIN reported_status rs ON rs.device_id = a.device_id AND rs.rollout_id = a.rollout_id
		WHERE a.phase_id = $1`,
		phase.PhaseID,
	)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("loading phase assignments: %w", err)
	}
	type update struct {
		id     uuid.UUID
		status string
	}
	var updates []update
	for rows.Next() {
		var id, deviceID uuid.UUID
		var priorStatus, reportState string
		if err := rows.Scan(&id, &deviceID, &priorStatus, &reportState); err != nil {
			rows.Close()
			return 0, 0, 0, err
		}
		newStatus := projectAssignmentStatus(reportState, priorStatus)
		updates = append(updates, update{id: id, status: newStatus})
		total++
		switch newStatus {
		case AssignmentStatusSucceeded:
			successCount++
		case AssignmentStatusFailed:
			failureCount++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, 0, err
	}

	for _, u := range updates {
		if _, err := tx.Exec(ctx, `UPDATE rollout_device_assignments SET status = $2 WHERE id = $1`, u.id, u.status); err != nil {
			return 0, 0, 0, fmt.Errorf("updating assignment %s: %w", u.id, err)
		}
	}
	return successCount, failureCount, total, nil
}

// RetryFailedAssignments retries every Failed assignment in the rollout's
// current phase whose retry count is below maxRetries, per spec §4.6.7.
// refreshAssignments recounts the phase's failures from the current
// assignment statuses on each tick, so a retried assignment is no longer
// counted toward the failure gate unless it fails again.
func (s *Store) RetryFailedAssignments(ctx context.Context, rolloutID uuid.UUID) (retried int, err error) {
	err = s.withRolloutLock(ctx, rolloutID, func(tx pgx.Tx) error {
		r, loadErr := s.loadRollout(ctx, tx, rolloutID)
		if loadErr != nil {
			return loadErr
		}
		if r.status != StatusInProgress {
			return nil
		}
		phase, phaseErr := s.currentPhase(ctx, tx, r.rolloutID, r.currentPhaseNum)
		if phaseErr != nil || phase == nil {
			return phaseErr
		}

		rows, queryErr := tx.Query(ctx, `
			SELECT id, device_id, retry_count FROM rollout_device_assignments
			WHERE phase_id = $1 AND status = $2`,
			phase.PhaseID, AssignmentStatusFailed,
		)
		if queryErr != nil {
			return fmt.Errorf("loading failed assignments: %w", queryErr)
		}
		type retryCandidate struct {
			id         uuid.UUID
			deviceID   uuid.UUID
			retryCount int
		}
		var candidates []retryCandidate
		for rows.Next() {
			var c retryCandidate
			if scanErr := rows.Scan(&c.id, &c.deviceID, &c.retryCount); scanErr != nil {
				rows.Close()
				return scanErr
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		for _, c := range candidates {
			if c.retryCount >= r.maxRetries {
				continue
			}
			newRetryCount := c.retryCount + 1
			reason := fmt.Sprintf("rollout:%s:phase:%d:retry:%d", r.rolloutID, phase.PhaseNumber, newRetryCount)
			if _, err := tx.Exec(ctx, `
				INSERT INTO device_desired_state (device_id, bundle_id, version, assigned_at, assigned_by, reason)
				VALUES ($1,$2,$3,$4,'rollout',$5)
				ON CONFLICT (device_id) DO UPDATE SET
					bundle_id = EXCLUDED.bundle_id, version = EXCLUDED.version,
					assigned_at = EXCLUDED.assigned_at, assigned_by = EXCLUDED.assigned_by, reason = EXCLUDED.reason`,
				c.deviceID, r.bundleID, r.targetVersion, now, reason,
			); err != nil {
				return fmt.Errorf("rewriting desired state for retry: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reported_status (device_id, bundle_id, version, rollout_id, state, started_at, retry_count)
				VALUES ($1,$2,$3,$4,'pending',$5,$6)
				ON CONFLICT (device_id, bundle_id, version) DO UPDATE SET
					rollout_id = EXCLUDED.rollout_id, state = EXCLUDED.state, retry_count = EXCLUDED.retry_count`,
				c.deviceID, r.bundleID, r.targetVersion, r.rolloutID, now, newRetryCount,
			); err != nil {
				return fmt.Errorf("appending retry report: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE rollout_device_assignments SET status = $2, retry_count = $3 WHERE id = $1`,
				c.id, AssignmentStatusReconciling, newRetryCount,
			); err != nil {
				return fmt.Errorf("marking assignment retried: %w", err)
			}
			retried++
		}
		return nil
	})
	return retried, err
}

// Get returns a Rollout by ID, tenant-scoped, for read-only display.
func (s *Store) Get(ctx context.Context, tenantID, rolloutID uuid.UUID) (*Rollout, error) {
	var r Rollout
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, bundle_id, target_version, previous_version, name, description,
			failure_threshold, max_retries, status, current_phase_number, created_at, started_at, completed_at, created_by
		FROM rollouts WHERE id = $1 AND tenant_id = $2`,
		rolloutID, tenantID,
	).Scan(&r.RolloutID, &r.TenantID, &r.BundleID, &r.TargetVersion, &r.PreviousVersion, &r.Name, &r.Description,
		&r.FailureThreshold, &r.MaxRetries, &r.Status, &r.CurrentPhaseNumber, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.CreatedBy)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.CodeRolloutNotFound, "rollout not found")
	}
	if err != nil {
		return nil, fmt.Errorf("getting rollout: %w", err)
	}
	return &r, nil
}

// ListPhases returns every phase of a rollout in phase-number order.
func (s *Store) ListPhases(ctx context.Context, rolloutID uuid.UUID) ([]Phase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rollout_id, phase_number, name, target_device_count, target_percentage, status,
			started_at, completed_at, success_count, failure_count, min_healthy_duration_seconds, healthy_since
		FROM rollout_phases WHERE rollout_id = $1 ORDER BY phase_number ASC`, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("listing rollout phases: %w", err)
	}
	defer rows.Close()

	var out []Phase
	for rows.Next() {
		var p Phase
		var minHealthySeconds int
		if err := rows.Scan(&p.PhaseID, &p.RolloutID, &p.PhaseNumber, &p.Name, &p.TargetDeviceCount, &p.TargetPercentage,
			&p.Status, &p.StartedAt, &p.CompletedAt, &p.SuccessCount, &p.FailureCount, &minHealthySeconds, &p.HealthySince); err != nil {
			return nil, fmt.Errorf("scanning rollout phase: %w", err)
		}
		p.MinHealthyDuration = time.Duration(minHealthySeconds) * time.Second
		out = append(out, p)
	}
	return out, rows.Err()
}
