// Package desiredstate implements the Desired-State Store & Reported-Status
// Ledger (spec component C5): the per-device authoritative desired
// (bundle, version) and the append-only reconciliation ledger the edge
// agent reports progress into.
package desiredstate

import (
	"time"

	"github.com/google/uuid"
)

// ReportedStatus states, per spec §3 "ReportedStatus".
const (
	StatePending    = "pending"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateRolledBack = "rolled_back"
)

// DesiredState is the single authoritative (bundle, version) a device
// should be running. Its absence means "no bundle assigned".
type DesiredState struct {
	DeviceID   uuid.UUID `json:"deviceId"`
	BundleID   uuid.UUID `json:"bundleId"`
	Version    string    `json:"version"`
	AssignedAt time.Time `json:"assignedAt"`
	AssignedBy string    `json:"assignedBy"`
	Reason     string    `json:"reason"`
}

// ReportedStatus is one row of the append-only reconciliation ledger.
// (deviceId, bundleId, version) is unique; later reports update the row
// in place rather than appending a new one.
type ReportedStatus struct {
	DeviceID     uuid.UUID  `json:"deviceId"`
	BundleID     uuid.UUID  `json:"bundleId"`
	Version      string     `json:"version"`
	RolloutID    *uuid.UUID `json:"rolloutId,omitempty"`
	State        string     `json:"state"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
}

// IsTerminal reports whether a ReportedStatus state ends reconciliation
// for that (device, bundle, version) tuple.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateRolledBack
}

// AssignInput is the input to Store.Assign.
type AssignInput struct {
	DeviceID   uuid.UUID
	BundleID   uuid.UUID
	Version    string
	AssignedBy string
	Reason     string
}

// ReportInput is the input to Store.Report.
type ReportInput struct {
	DeviceID     uuid.UUID
	BundleID     uuid.UUID
	Version      string
	RolloutID    *uuid.UUID
	State        string
	ErrorMessage *string
	At           time.Time
}
