package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Device registry & credentials (C1/C2)

var DevicesRegisteredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "devices",
		Name:      "registered_total",
		Help:      "Total number of devices registered, by tenant.",
	},
	[]string{"tenant"},
)

var RegistrationTokensRedeemedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "credential",
		Name:      "registration_tokens_redeemed_total",
		Help:      "Total number of registration tokens redeemed, by outcome.",
	},
	[]string{"outcome"},
)

var APIKeysExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "credential",
		Name:      "api_keys_expired_total",
		Help:      "Total number of device API keys swept for expiry.",
	},
)

// Heartbeat & liveness (C3)

var HeartbeatsReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "heartbeat",
		Name:      "received_total",
		Help:      "Total number of heartbeats received, by tenant.",
	},
	[]string{"tenant"},
)

var HeartbeatProcessingDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "signalbeam",
		Subsystem: "heartbeat",
		Name:      "processing_duration_seconds",
		Help:      "Heartbeat ingest processing duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
)

var DeviceOfflineTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "devices",
		Name:      "offline_transitions_total",
		Help:      "Total number of online->offline transitions detected.",
	},
	[]string{"tenant"},
)

// Health scoring (C4)

var HealthScoreComputed = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "signalbeam",
		Subsystem: "health",
		Name:      "score_computed",
		Help:      "Distribution of computed device health scores (0-100).",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	},
)

var HealthScoreRunDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "signalbeam",
		Subsystem: "health",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of a full health-scoring pass.",
		Buckets:   prometheus.DefBuckets,
	},
)

// Rollout engine (C6)

var RolloutPhaseAdvancesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "rollout",
		Name:      "phase_advances_total",
		Help:      "Total number of rollout phase advances, by outcome.",
	},
	[]string{"outcome"},
)

var RolloutAutoRollbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "rollout",
		Name:      "auto_rollbacks_total",
		Help:      "Total number of rollouts auto-rolled-back due to the failure gate.",
	},
	[]string{"reason"},
)

var RolloutTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "signalbeam",
		Subsystem: "rollout",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a single rollout engine tick across all active rollouts.",
		Buckets:   prometheus.DefBuckets,
	},
)

var RolloutAssignmentsAppliedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "rollout",
		Name:      "assignments_applied_total",
		Help:      "Total number of device desired-state assignments applied by rollouts, by status.",
	},
	[]string{"status"},
)

// Alert engine (C7)

var AlertsEvaluatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "alert",
		Name:      "rule_evaluations_total",
		Help:      "Total number of alert rule evaluations, by rule.",
	},
	[]string{"rule"},
)

var AlertsFiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "alert",
		Name:      "fired_total",
		Help:      "Total number of alerts fired, by rule and severity.",
	},
	[]string{"rule", "severity"},
)

var AlertsDeduplicatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "alert",
		Name:      "deduplicated_total",
		Help:      "Total number of alert evaluations suppressed by dedup.",
	},
	[]string{"rule"},
)

var SlackNotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "slack",
		Name:      "notifications_total",
		Help:      "Total number of Slack alert notifications sent, by outcome.",
	},
	[]string{"outcome"},
)

// Quota gate (C8)

var QuotaChecksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "quota",
		Name:      "checks_total",
		Help:      "Total number of device-quota checks, by outcome.",
	},
	[]string{"outcome"},
)

// Auth audit ledger (C9)

var AuditEntriesDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "signalbeam",
		Subsystem: "audit",
		Name:      "entries_dropped_total",
		Help:      "Total number of audit log entries dropped because the buffer was full.",
	},
)

// All returns all SignalBeam-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DevicesRegisteredTotal,
		RegistrationTokensRedeemedTotal,
		APIKeysExpiredTotal,
		HeartbeatsReceivedTotal,
		HeartbeatProcessingDuration,
		DeviceOfflineTransitionsTotal,
		HealthScoreComputed,
		HealthScoreRunDuration,
		RolloutPhaseAdvancesTotal,
		RolloutAutoRollbacksTotal,
		RolloutTickDuration,
		RolloutAssignmentsAppliedTotal,
		AlertsEvaluatedTotal,
		AlertsFiredTotal,
		AlertsDeduplicatedTotal,
		SlackNotificationsTotal,
		QuotaChecksTotal,
		AuditEntriesDroppedTotal,
	}
}
