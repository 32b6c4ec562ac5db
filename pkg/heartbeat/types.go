// Package heartbeat implements the Heartbeat & Metrics Ingest (spec
// component C3): append-only liveness/resource time-series, online/offline
// transitions, and retention cleanup.
package heartbeat

import "time"

// Heartbeat is a single liveness sample.
type Heartbeat struct {
	At        time.Time
	Status    string
	IPAddress *string
	Extras    *string
}

// Metrics is a single resource-usage sample. CPU/Mem/Disk are percentages
// constrained to [0,100].
type Metrics struct {
	At                time.Time
	CPUPercent        float64
	MemPercent        float64
	DiskPercent       float64
	UptimeSec         int64
	RunningContainers int
	Extras            *string
}
