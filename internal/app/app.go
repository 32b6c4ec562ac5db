package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/signalbeam/edge/internal/audit"
	"github.com/signalbeam/edge/internal/auth"
	"github.com/signalbeam/edge/internal/clock"
	"github.com/signalbeam/edge/internal/config"
	"github.com/signalbeam/edge/internal/httpserver"
	"github.com/signalbeam/edge/internal/platform"
	"github.com/signalbeam/edge/internal/randsrc"
	"github.com/signalbeam/edge/internal/schedule"
	"github.com/signalbeam/edge/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/pkg/alert"
	"github.com/signalbeam/edge/pkg/bundle"
	"github.com/signalbeam/edge/pkg/credential"
	"github.com/signalbeam/edge/pkg/desiredstate"
	"github.com/signalbeam/edge/pkg/device"
	"github.com/signalbeam/edge/pkg/health"
	"github.com/signalbeam/edge/pkg/heartbeat"
	"github.com/signalbeam/edge/pkg/messaging"
	"github.com/signalbeam/edge/pkg/quota"
	"github.com/signalbeam/edge/pkg/rollout"
	nbslack "github.com/signalbeam/edge/pkg/slack"
	"github.com/signalbeam/edge/pkg/tenant"
)

// Run is the main entry point. It reads config, connects to infrastructure,
// and starts the mode requested (api, worker, or migrate).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting signalbeam edge core", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// stores bundles every domain Store so api and worker mode can share the
// exact same wiring instead of duplicating constructor calls.
type stores struct {
	devices  *device.Store
	creds    *credential.Store
	beats    *heartbeat.Store
	healths  *health.Store
	bundles  *bundle.Store
	desired  *desiredstate.Store
	rollouts *rollout.Store
	alerts   *alert.Store
	tenants  *tenant.Store
	quota    *quota.Gate
	audit    *audit.Writer
}

func newStores(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, auditWriter *audit.Writer, notifier messaging.Provider, logger *slog.Logger) *stores {
	realClock := clock.Real{}
	quotaGate := quota.New(db)
	bundles := bundle.New(db, realClock)

	return &stores{
		devices:  device.New(db, realClock),
		creds:    credential.New(db, quotaGate, auditWriter, realClock, randsrc.Crypto{}, logger),
		beats:    heartbeat.New(db, realClock),
		healths:  health.New(db, realClock),
		bundles:  bundles,
		desired:  desiredstate.New(db, bundles, realClock),
		rollouts: rollout.New(db, bundles, realClock, logger),
		alerts:   alert.New(db, rdb, realClock, notifier, logger),
		tenants:  tenant.New(db, realClock),
		quota:    quotaGate,
		audit:    auditWriter,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	var oidcAuth *auth.OIDCAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		var err error
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("OIDC authentication disabled (OIDC_ISSUER_URL not set)")
	}

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	notifier := newNotifier(cfg, logger)
	st := newStores(db, rdb, cfg, auditWriter, notifier, logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, oidcAuth, st.creds, auditWriter)

	srv.Router.Get("/status", srv.HandleStatus)
	srv.APIRouter.Get("/status", srv.HandleStatus)

	deviceHandler := device.NewHandler(st.devices, logger)
	srv.APIRouter.Mount("/devices", deviceHandler.Routes())

	credHandler := credential.NewHandler(st.creds, logger)
	srv.APIRouter.Mount("/registration-tokens", credHandler.Routes())
	srv.APIRouter.Mount("/devices/{id}/credentials", credHandler.DeviceRoutes())

	heartbeatHandler := heartbeat.NewHandler(st.beats, logger)
	srv.APIRouter.Mount("/devices/{id}/heartbeat", heartbeatHandler.Routes())
	srv.APIRouter.Mount("/devices/{id}/metrics", heartbeatHandler.MetricsRoutes())

	healthHandler := health.NewHandler(st.healths, logger)
	srv.APIRouter.Mount("/devices/{id}/health", healthHandler.Routes())

	bundleHandler := bundle.NewHandler(st.bundles, logger)
	srv.APIRouter.Mount("/bundles", bundleHandler.Routes())

	desiredHandler := desiredstate.NewHandler(st.desired, logger)
	srv.APIRouter.Mount("/devices/{id}/desired-state", desiredHandler.Routes())
	srv.APIRouter.Mount("/devices/{id}/reported-status", desiredHandler.ReportRoutes())

	rolloutHandler := rollout.NewHandler(st.rollouts, logger)
	srv.APIRouter.Mount("/rollouts", rolloutHandler.Routes())

	alertHandler := alert.NewHandler(st.alerts, logger)
	srv.APIRouter.Mount("/alerts", alertHandler.Routes())

	auditHandler := audit.NewHandler(db, logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	tenantHandler := tenant.NewHandler(st.tenants, logger)
	srv.APIRouter.Mount("/tenants", tenantHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newNotifier wires the Slack outbound dispatcher for the Alert Engine
// (spec component C7). Returns nil when SLACK_BOT_TOKEN is unset, in which
// case alerts are persisted but never dispatched to chat.
func newNotifier(cfg *config.Config, logger *slog.Logger) messaging.Provider {
	slackNotifier := nbslack.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if !slackNotifier.IsEnabled() {
		logger.Info("slack alert dispatch disabled (SLACK_BOT_TOKEN not set)")
		return nil
	}
	logger.Info("slack alert dispatch enabled", "channel", cfg.SlackAlertChannel)
	return nbslack.NewProvider(slackNotifier, logger)
}

// runWorker starts every periodic worker named in spec §5, each on its own
// goroutine, and blocks until ctx is cancelled.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	notifier := newNotifier(cfg, logger)
	st := newStores(db, rdb, cfg, auditWriter, notifier, logger)

	jobs := []schedule.Job{
		{
			Name:     "OfflineDetector",
			Interval: time.Duration(cfg.OfflineCheckIntervalSeconds) * time.Second,
			CronExpr: cfg.OfflineDetectorCron,
			Fn: func(ctx context.Context) error {
				threshold := time.Now().UTC().Add(-time.Duration(cfg.OfflineThresholdSeconds) * time.Second)
				transitioned, err := st.devices.OfflineSweep(ctx, threshold)
				if err != nil {
					return err
				}
				if transitioned > 0 {
					telemetry.DeviceOfflineTransitionsTotal.Add(float64(transitioned))
				}
				return nil
			},
		},
		{
			Name:     "HealthScorer",
			Interval: time.Duration(cfg.HealthScoreIntervalSeconds) * time.Second,
			CronExpr: cfg.HealthScorerCron,
			Fn: func(ctx context.Context) error {
				scored, err := st.healths.Tick(ctx)
				if err != nil {
					return err
				}
				telemetry.HealthScoreComputed.Add(float64(scored))
				return nil
			},
		},
		{
			Name:     "RolloutTick",
			Interval: time.Duration(cfg.RolloutCheckIntervalSeconds) * time.Second,
			CronExpr: cfg.RolloutTickCron,
			Fn: func(ctx context.Context) error {
				start := time.Now()
				processed, err := st.rollouts.Tick(ctx)
				telemetry.RolloutTickDuration.Observe(time.Since(start).Seconds())
				if err != nil {
					return err
				}
				logger.Debug("rollout tick complete", "processed", processed)
				return nil
			},
		},
		{
			Name:     "AlertTick",
			Interval: time.Duration(cfg.AlertTickIntervalSeconds) * time.Second,
			CronExpr: cfg.AlertTickCron,
			Fn:       st.alerts.Tick,
		},
		{
			Name:     "DynamicGroupSync",
			Interval: time.Duration(cfg.DynamicGroupSyncIntervalSeconds) * time.Second,
			CronExpr: cfg.DynamicGroupSyncCron,
			Fn: func(ctx context.Context) error {
				groups, err := st.devices.ListDynamicGroups(ctx)
				if err != nil {
					return err
				}
				for _, g := range groups {
					if _, _, err := st.devices.SyncDynamicGroup(ctx, g); err != nil {
						logger.Error("syncing dynamic group", "group_id", g.GroupID, "error", err)
					}
				}
				return nil
			},
		},
		{
			Name:     "RetentionSweeper",
			Interval: time.Duration(cfg.RetentionSweepIntervalHours) * time.Hour,
			CronExpr: cfg.RetentionSweepCron,
			Fn: func(ctx context.Context) error {
				return runRetentionSweep(ctx, db, cfg.RetentionBatchSize, logger)
			},
		},
		{
			Name:     "TokenExpiry",
			Interval: time.Duration(cfg.APIKeyExpiryCheckIntervalHours) * time.Hour,
			CronExpr: cfg.TokenExpiryCron,
			Fn: func(ctx context.Context) error {
				warning, expired, err := st.creds.SweepExpiring(ctx, cfg.APIKeyWarningDays)
				if err != nil {
					return err
				}
				telemetry.APIKeysExpiredTotal.Add(float64(len(expired)))
				logger.Info("api key expiry sweep", "warning", len(warning), "expired", len(expired))
				return nil
			},
		},
	}

	logger.Info("worker started", "jobs", len(jobs))
	for _, job := range jobs {
		go schedule.Run(ctx, logger, job)
	}

	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}

// runRetentionSweep deletes time-series rows (heartbeats, metrics and health
// scores) older than each tenant's data-retention window,
// per spec §6 "Data Retention". Run in fixed-size batches so a single tick
// never holds a long-lived transaction against a growing table.
func runRetentionSweep(ctx context.Context, db *pgxpool.Pool, batchSize int, logger *slog.Logger) error {
	const sweepQuery = `
		DELETE FROM %s WHERE ctid IN (
			SELECT t.ctid FROM %s t
			JOIN devices d ON d.id = t.device_id
			JOIN tenants te ON te.id = d.tenant_id
			WHERE t.%s < now() - make_interval(days => te.data_retention_days)
			LIMIT $1
		)`

	for _, sweep := range []struct{ table, tsColumn string }{
		{"device_heartbeats", "at"},
		{"device_metrics", "at"},
		{"device_health_scores", "at"},
	} {
		tag, err := db.Exec(ctx, fmt.Sprintf(sweepQuery, sweep.table, sweep.table, sweep.tsColumn), batchSize)
		if err != nil {
			return fmt.Errorf("sweeping %s: %w", sweep.table, err)
		}
		if tag.RowsAffected() > 0 {
			logger.Info("retention sweep deleted rows", "table", sweep.table, "count", tag.RowsAffected())
		}
	}
	return nil
}
