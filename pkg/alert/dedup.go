package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// dedupCacheTTL bounds how long a "this (device,type) already has an
// Active alert" result is trusted before falling back to the database.
// It only ever suppresses redundant INSERT attempts; the store's
// INSERT ... WHERE NOT EXISTS guard on (device, type, status=Active) remains
// authoritative (the schema's index on active alerts is not unique).
const dedupCacheTTL = 2 * time.Minute

// deduplicator short-circuits repeated create-or-skip checks against
// Redis so a busy tick doesn't re-query Postgres for every already-Active
// alert on every pass.
type deduplicator struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func newDeduplicator(rdb *redis.Client, logger *slog.Logger) *deduplicator {
	return &deduplicator{rdb: rdb, logger: logger}
}

func dedupKey(deviceID uuid.UUID, alertType string) string {
	return fmt.Sprintf("signalbeam:alert:active:%s:%s", deviceID, alertType)
}

// recentlyActive reports whether the cache believes an Active alert
// already exists for (deviceID, alertType). A cache miss or any Redis
// error is treated as "unknown" so the caller falls back to the database.
func (d *deduplicator) recentlyActive(ctx context.Context, deviceID uuid.UUID, alertType string) bool {
	if d.rdb == nil {
		return false
	}
	n, err := d.rdb.Exists(ctx, dedupKey(deviceID, alertType)).Result()
	if err != nil {
		d.logger.Warn("alert dedup cache lookup failed", "error", err)
		return false
	}
	return n > 0
}

func (d *deduplicator) markActive(ctx context.Context, deviceID uuid.UUID, alertType string) {
	if d.rdb == nil {
		return
	}
	if err := d.rdb.Set(ctx, dedupKey(deviceID, alertType), "1", dedupCacheTTL).Err(); err != nil {
		d.logger.Warn("alert dedup cache write failed", "error", err)
	}
}

func (d *deduplicator) clear(ctx context.Context, deviceID uuid.UUID, alertType string) {
	if d.rdb == nil {
		return
	}
	if err := d.rdb.Del(ctx, dedupKey(deviceID, alertType)).Err(); err != nil {
		d.logger.Warn("alert dedup cache clear failed", "error", err)
	}
}
