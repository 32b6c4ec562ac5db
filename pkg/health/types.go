// Package health implements the Health Scorer (spec component C4): a
// periodic job that reduces C3 liveness/resource signals and C5
// reconciliation history into a single 0-100 score per device.
package health

import (
	"time"

	"github.com/google/uuid"
)

// Health buckets, per spec §4.4.
const (
	BucketHealthy  = "healthy"
	BucketDegraded = "degraded"
	BucketCritical = "critical"
)

// Score is one point on a device's health-score series.
type Score struct {
	DeviceID           uuid.UUID
	At                 time.Time
	Total              float64
	HeartbeatScore     float64
	ReconciliationScore float64
	ResourceScore      float64
}

// Bucket classifies a total score into Healthy/Degraded/Critical.
func Bucket(total float64) string {
	switch {
	case total >= 70:
		return BucketHealthy
	case total >= 40:
		return BucketDegraded
	default:
		return BucketCritical
	}
}
