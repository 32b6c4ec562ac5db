package desiredstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
)

// BundleVersionChecker is the narrow slice of pkg/bundle.Store that Assign
// needs to verify its input resolves to a real BundleVersion.
type BundleVersionChecker interface {
	VersionExists(ctx context.Context, bundleID uuid.UUID, version string) (bool, error)
}

// Store persists DeviceDesiredState and the ReportedStatus ledger.
type Store struct {
	pool    *pgxpool.Pool
	bundles BundleVersionChecker
	clock   clock.Clock
}

// New creates a Store.
func New(pool *pgxpool.Pool, bundles BundleVersionChecker, c clock.Clock) *Store {
	return &Store{pool: pool, bundles: bundles, clock: c}
}

// Assign overwrites a device's DesiredState and, unless a newer terminal
// ReportedStatus row already covers the tuple, appends a Pending report,
// per spec §4.5 "Assign".
func (s *Store) Assign(ctx context.Context, tenantID uuid.UUID, in AssignInput) (*DesiredState, error) {
	ok, err := s.bundles.VersionExists(ctx, in.BundleID, in.Version)
	if err != nil {
		return nil, fmt.Errorf("checking bundle version: %w", err)
	}
	if !ok {
		return nil, apierr.New(apierr.CodeBundleNotFound, "bundle version not found")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var deviceExists bool
	if err := tx.QueryRow(ctx, `SELECT true FROM devices WHERE id = $1 AND tenant_id = $2`, in.DeviceID, tenantID).Scan(&deviceExists); err != nil {
		return nil, apierr.New(apierr.CodeDeviceNotFound, "device not found")
	}

	// Fetch the previous assignment time, if any, before we overwrite it:
	// a terminal report that landed after that assignment already reflects
	// this tuple's outcome and must not be reset back to Pending.
	var previousAssignedAt time.Time
	if err := tx.QueryRow(ctx, `
		SELECT assigned_at FROM device_desired_state WHERE device_id = $1`,
		in.DeviceID,
	).Scan(&previousAssignedAt); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("checking existing desired state: %w", err)
	}

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO device_desired_state (device_id, bundle_id, version, assigned_at, assigned_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id) DO UPDATE SET
			bundle_id = EXCLUDED.bundle_id, version = EXCLUDED.version,
			assigned_at = EXCLUDED.assigned_at, assigned_by = EXCLUDED.assigned_by, reason = EXCLUDED.reason`,
		in.DeviceID, in.BundleID, in.Version, now, in.AssignedBy, in.Reason,
	); err != nil {
		return nil, fmt.Errorf("upserting desired state: %w", err)
	}

	var hasNewerTerminal bool
	if err := tx.QueryRow(ctx, `
		SELECT true FROM reported_status
		WHERE device_id = $1 AND bundle_id = $2 AND version = $3
		AND state IN ($4, $5, $6) AND started_at >= $7`,
		in.DeviceID, in.BundleID, in.Version, StateCompleted, StateFailed, StateRolledBack, previousAssignedAt,
	).Scan(&hasNewerTerminal); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("checking existing report: %w", err)
	}

	if !hasNewerTerminal {
		if err := appendReport(ctx, tx, ReportInput{
			DeviceID: in.DeviceID, BundleID: in.BundleID, Version: in.Version, State: StatePending, At: now,
		}, 0); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &DesiredState{
		DeviceID: in.DeviceID, BundleID: in.BundleID, Version: in.Version,
		AssignedAt: now, AssignedBy: in.AssignedBy, Reason: in.Reason,
	}, nil
}

// GetDesiredStateFor returns the device's current DesiredState, or nil if
// no bundle is assigned. This is what the edge agent polls.
func (s *Store) GetDesiredStateFor(ctx context.Context, deviceID uuid.UUID) (*DesiredState, error) {
	var ds DesiredState
	ds.DeviceID = deviceID
	err := s.pool.QueryRow(ctx, `
		SELECT bundle_id, version, assigned_at, assigned_by, reason
		FROM device_desired_state WHERE device_id = $1`,
		deviceID,
	).Scan(&ds.BundleID, &ds.Version, &ds.AssignedAt, &ds.AssignedBy, &ds.Reason)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying desired state: %w", err)
	}
	return &ds, nil
}

// Report upserts the ReportedStatus ledger row for (deviceId, bundleId,
// version) per spec §4.5 "Report". The reported state must be one of the
// known states; the transition from the stored state is not checked.
// Out-of-order reports against an already-completed row are rejected.
func (s *Store) Report(ctx context.Context, in ReportInput) error {
	if !validTransitionTarget(in.State) {
		return apierr.New(apierr.CodeValidationFailed, "unrecognized reported-status state")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current ReportedStatus
	var retryCount int
	err = tx.QueryRow(ctx, `
		SELECT state, completed_at, retry_count FROM reported_status
		WHERE device_id = $1 AND bundle_id = $2 AND version = $3
		FOR UPDATE`,
		in.DeviceID, in.BundleID, in.Version,
	).Scan(&current.State, &current.CompletedAt, &retryCount)
	switch {
	case err == pgx.ErrNoRows:
		current.State = StatePending
	case err != nil:
		return fmt.Errorf("locking reported-status row: %w", err)
	default:
		if current.CompletedAt != nil && in.At.Before(*current.CompletedAt) {
			return apierr.New(apierr.CodeStaleReport, "report is older than the stored completion time")
		}
	}

	if current.State == StateFailed && in.State == StateInProgress {
		retryCount++
	}

	if err := appendReport(ctx, tx, in, retryCount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func validTransitionTarget(state string) bool {
	switch state {
	case StatePending, StateInProgress, StateCompleted, StateFailed, StateRolledBack:
		return true
	default:
		return false
	}
}

// appendReport upserts the ledger row for (deviceId, bundleId, version);
// the tuple is unique, so later reports update the row in place.
func appendReport(ctx context.Context, tx pgx.Tx, in ReportInput, retryCount int) error {
	var completedAt any
	if IsTerminal(in.State) {
		completedAt = in.At
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO reported_status (device_id, bundle_id, version, rollout_id, state, started_at, completed_at, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id, bundle_id, version) DO UPDATE SET
			rollout_id = COALESCE(EXCLUDED.rollout_id, reported_status.rollout_id),
			state = EXCLUDED.state,
			completed_at = COALESCE(EXCLUDED.completed_at, reported_status.completed_at),
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count`,
		in.DeviceID, in.BundleID, in.Version, in.RolloutID, in.State, in.At, completedAt, in.ErrorMessage, retryCount,
	)
	if err != nil {
		return fmt.Errorf("upserting reported status: %w", err)
	}
	return nil
}
