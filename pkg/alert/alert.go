// Package alert implements the Alert Engine (spec component C7): a
// periodic rule evaluator that raises and auto-resolves Alerts from
// device liveness/health/rollout state.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Severities, per spec §3 "Alert".
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Lifecycle statuses. Acknowledge/Resolve are idempotent-terminal.
const (
	StatusActive       = "active"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// Rule identifiers, per spec §4.7's rule table.
const (
	RuleDeviceOfflineWarning  = "device_offline_warning"
	RuleDeviceOfflineCritical = "device_offline_critical"
	RuleDeviceUnhealthy       = "device_unhealthy"
	RuleHighErrorRate         = "high_error_rate"
	RuleRolloutFailed         = "rollout_failed"
)

// Alert is one raised condition. Deduplication key: (deviceId, type,
// status=Active) is unique — a rule cannot raise a second active alert
// for the same (device, type).
type Alert struct {
	AlertID        uuid.UUID
	TenantID       uuid.UUID
	Severity       string
	Type           string
	Status         string
	Title          string
	Description    string
	DeviceID       *uuid.UUID
	RolloutID      *uuid.UUID
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy *string
	ResolvedAt     *time.Time

	// NotifyChannelID/NotifyMessageID track the outbound chat-platform
	// message for this alert, set once PostAlert succeeds, so later
	// status changes can be applied in place via UpdateAlert.
	NotifyProvider  *string
	NotifyChannelID *string
	NotifyMessageID *string
}

// Config tunes the rule thresholds, per spec §4.7/§9 defaults.
type Config struct {
	OfflineWarningAfter  time.Duration
	OfflineCriticalAfter time.Duration
	UnhealthyScoreBelow  float64
	UnhealthyWithin      time.Duration
	ErrorRateWindow       time.Duration
	ErrorRateThresholdPct float64
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		OfflineWarningAfter:   5 * time.Minute,
		OfflineCriticalAfter:  30 * time.Minute,
		UnhealthyScoreBelow:   40,
		UnhealthyWithin:       10 * time.Minute,
		ErrorRateWindow:       15 * time.Minute,
		ErrorRateThresholdPct: 10,
	}
}
