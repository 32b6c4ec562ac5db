// Package rollout implements the Rollout Engine (spec component C6):
// phased, health-gated rollouts of a BundleVersion to a tenant's devices,
// with automatic failure-rate rollback.
package rollout

import (
	"time"

	"github.com/google/uuid"
)

// Rollout lifecycle statuses, per spec §4.6.1.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
)

// RolloutPhase lifecycle statuses.
const (
	PhaseStatusPending    = "pending"
	PhaseStatusInProgress = "in_progress"
	PhaseStatusCompleted  = "completed"
	PhaseStatusFailed     = "failed"
)

// RolloutDeviceAssignment lifecycle statuses.
const (
	AssignmentStatusPending     = "pending"
	AssignmentStatusAssigned    = "assigned"
	AssignmentStatusReconciling = "reconciling"
	AssignmentStatusSucceeded   = "succeeded"
	AssignmentStatusFailed      = "failed"
)

// EligibilityPolicy selects a rollout's candidate-device enumeration
// strategy at creation time.
type EligibilityPolicy string

const (
	AllBundleUsers EligibilityPolicy = "all_bundle_users"
	GroupMembers   EligibilityPolicy = "group_members"
)

const (
	DefaultFailureThreshold = 0.05
	DefaultMinHealthyWindow = 5 * time.Minute
	DefaultMaxRetries       = 3
)

// Rollout is a phased deployment of a BundleVersion to a tenant's devices.
type Rollout struct {
	RolloutID          uuid.UUID  `json:"rolloutId"`
	TenantID           uuid.UUID  `json:"tenantId"`
	BundleID           uuid.UUID  `json:"bundleId"`
	TargetVersion      string     `json:"targetVersion"`
	PreviousVersion    *string    `json:"previousVersion,omitempty"`
	Name               string     `json:"name"`
	Description        *string    `json:"description,omitempty"`
	FailureThreshold   float64    `json:"failureThreshold"`
	MaxRetries         int        `json:"maxRetries"`
	Status             string     `json:"status"`
	CurrentPhaseNumber int        `json:"currentPhaseNumber"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CreatedBy          string     `json:"createdBy"`
}

// Phase is one ordered step of a Rollout's device coverage.
type Phase struct {
	PhaseID            uuid.UUID     `json:"phaseId"`
	RolloutID          uuid.UUID     `json:"rolloutId"`
	PhaseNumber        int           `json:"phaseNumber"`
	Name               string        `json:"name"`
	TargetDeviceCount  *int          `json:"targetDeviceCount,omitempty"`
	TargetPercentage   *float64      `json:"targetPercentage,omitempty"`
	Status             string        `json:"status"`
	StartedAt          *time.Time    `json:"startedAt,omitempty"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
	SuccessCount       int           `json:"successCount"`
	FailureCount       int           `json:"failureCount"`
	MinHealthyDuration time.Duration `json:"minHealthyDurationNs"`
	HealthySince       *time.Time    `json:"healthySince,omitempty"`
}

// Assignment ties one device to one phase.
type Assignment struct {
	AssignmentID uuid.UUID  `json:"assignmentId"`
	PhaseID      uuid.UUID  `json:"phaseId"`
	DeviceID     uuid.UUID  `json:"deviceId"`
	Status       string     `json:"status"`
	AssignedAt   *time.Time `json:"assignedAt,omitempty"`
	RetryCount   int        `json:"retryCount"`
}

// PhaseInput is one phase definition supplied at rollout creation.
type PhaseInput struct {
	Name               string         `json:"name" validate:"required"`
	TargetDeviceCount  *int           `json:"targetDeviceCount"`
	TargetPercentage   *float64       `json:"targetPercentage"`
	MinHealthyDuration *time.Duration `json:"minHealthyDurationNs"`
}

// CreateInput is the input to Store.Create, per spec §4.6.2.
type CreateInput struct {
	TenantID          uuid.UUID
	BundleID          uuid.UUID
	TargetVersion     string
	PreviousVersion   *string
	Name              string
	Description       *string
	Phases            []PhaseInput
	FailureThreshold  *float64
	MaxRetries        *int
	EligibilityPolicy EligibilityPolicy
	TargetGroupID     *uuid.UUID
	CreatedBy         string
}

// DeviceHealthInfo is the device-ordering input for phase-device selection,
// per spec §4.6.3.
type DeviceHealthInfo struct {
	DeviceID    uuid.UUID
	HealthScore float64
	LastSeenAt  time.Time
}
