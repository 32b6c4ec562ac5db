// Package ratelimit implements the per-tenant inbound request limiter
// (spec §5: 100 requests per 60s window, queue depth 10, 429 with a retry
// hint equal to the remaining window).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces a fixed-window request budget per tenant using Redis
// INCR + EXPIRE, generalized from a login-attempt limiter keyed by IP to one
// keyed by tenant ID and fed from every authenticated request, not just
// login.
type Limiter struct {
	redis  *redis.Client
	permit int
	window time.Duration
	queue  int
}

// New creates a Limiter. permit is the max requests allowed per tenant
// within window; queue is the number of additional requests admitted past
// permit before Allow starts rejecting (spec's queue depth).
func New(rdb *redis.Client, permit int, window time.Duration, queue int) *Limiter {
	return &Limiter{redis: rdb, permit: permit, window: window, queue: queue}
}

// Result holds the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow increments the tenant's request counter for the current window and
// reports whether the request may proceed. A request is allowed up to
// permit+queue times per window; beyond that it is rejected with the
// remaining window duration as a retry hint.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (*Result, error) {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("incrementing rate limit counter: %w", err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return nil, fmt.Errorf("setting rate limit expiry: %w", err)
		}
	}

	limit := int64(l.permit + l.queue)
	if count > limit {
		ttl, err := l.redis.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return &Result{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}

	remaining := int(limit - count)
	return &Result{Allowed: true, Remaining: remaining}, nil
}

// Reset clears the tenant's counter, used in tests and admin tooling.
func (l *Limiter) Reset(ctx context.Context, tenantID string) error {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)
	err := l.redis.Del(ctx, key).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
