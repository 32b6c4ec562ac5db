package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, permit, queue int, window time.Duration) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, permit, window, queue)
}

func TestLimiter_AllowWithinBudget(t *testing.T) {
	l := newTestLimiter(t, 2, 0, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}
}

func TestLimiter_RejectsOverBudget(t *testing.T) {
	l := newTestLimiter(t, 1, 1, time.Minute) // 2 total admitted

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed within permit+queue", i)
		}
	}

	res, err := l.Allow(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected rejection past permit+queue")
	}
	if res.RetryAfter <= 0 {
		t.Error("expected a positive retry hint")
	}
}

func TestLimiter_PerTenantIsolation(t *testing.T) {
	l := newTestLimiter(t, 1, 0, time.Minute)
	ctx := context.Background()

	resA, err := l.Allow(ctx, "tenant-a")
	if err != nil || !resA.Allowed {
		t.Fatalf("tenant-a first request should be allowed: %v %+v", err, resA)
	}

	resB, err := l.Allow(ctx, "tenant-b")
	if err != nil || !resB.Allowed {
		t.Fatalf("tenant-b first request should be allowed independently: %v %+v", err, resB)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := newTestLimiter(t, 1, 0, time.Minute)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "tenant-a"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	if err := l.Reset(ctx, "tenant-a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	res, err := l.Allow(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Allow after reset: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected allowed after reset")
	}
}
