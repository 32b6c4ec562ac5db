// Package schedule runs the core's periodic workers (spec §5): a fixed
// interval by default, or a cron expression when an operator sets the
// worker's *_CRON override. Grounded on the teacher's ticker-loop idiom
// (pkg/roster's schedule top-up loop), generalized to also accept cron.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic worker.
type Job struct {
	// Name identifies the job in logs.
	Name string
	// Interval is the fixed period between runs, used when CronExpr is empty.
	Interval time.Duration
	// CronExpr, if set, overrides Interval with a standard 5-field cron
	// expression (minute hour dom month dow).
	CronExpr string
	// Fn is invoked on each tick. Errors are logged, never fatal to the loop.
	Fn func(ctx context.Context) error
}

// Run executes job.Fn once immediately, then on each subsequent tick, until
// ctx is cancelled. Intended to be launched with `go`.
func Run(ctx context.Context, logger *slog.Logger, job Job) {
	logger = logger.With("worker", job.Name)

	if job.CronExpr != "" {
		runCron(ctx, logger, job)
		return
	}
	runInterval(ctx, logger, job)
}

func runInterval(ctx context.Context, logger *slog.Logger, job Job) {
	logger.Info("worker started", "interval", job.Interval)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	tick(ctx, logger, job)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-ticker.C:
			tick(ctx, logger, job)
		}
	}
}

func runCron(ctx context.Context, logger *slog.Logger, job Job) {
	schedule, err := cron.ParseStandard(job.CronExpr)
	if err != nil {
		logger.Error("invalid cron expression, falling back to fixed interval", "cron", job.CronExpr, "error", err)
		runInterval(ctx, logger, job)
		return
	}
	logger.Info("worker started", "cron", job.CronExpr)

	tick(ctx, logger, job)
	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("worker stopped")
			return
		case <-timer.C:
			tick(ctx, logger, job)
		}
	}
}

func tick(ctx context.Context, logger *slog.Logger, job Job) {
	if err := job.Fn(ctx); err != nil {
		logger.Error("worker tick failed", "error", err)
	}
}
