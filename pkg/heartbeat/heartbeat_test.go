package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
)

func TestPostHeartbeat_RejectsFutureSkew(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := New(nil, fixed)

	hb := Heartbeat{At: fixed.T.Add(6 * time.Minute)}
	err := s.PostHeartbeat(context.Background(), uuid.New(), uuid.New(), hb)
	if err == nil {
		t.Fatal("expected error for future-skewed timestamp")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Code != apierr.CodeInvalidTimestamp {
		t.Errorf("got code %s, want %s", apiErr.Code, apierr.CodeInvalidTimestamp)
	}
}

func TestPostHeartbeat_AllowsWithinSkewWindow(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := New(nil, fixed)

	hb := Heartbeat{At: fixed.T.Add(4 * time.Minute)}
	// A nil pool makes the call panic once it reaches the DB (recovered by
	// pastDB), but it must get past the timestamp check first (not an
	// INVALID_TIMESTAMP).
	err := pastDB(func() error {
		return s.PostHeartbeat(context.Background(), uuid.New(), uuid.New(), hb)
	})
	if apiErr, ok := err.(*apierr.Error); ok && apiErr.Code == apierr.CodeInvalidTimestamp {
		t.Errorf("timestamp within skew window was rejected: %v", err)
	}
}

func TestPostMetrics_RejectsOutOfRangePercentages(t *testing.T) {
	s := New(nil, &clock.Fixed{T: time.Now()})

	cases := []Metrics{
		{CPUPercent: -1, MemPercent: 10, DiskPercent: 10},
		{CPUPercent: 10, MemPercent: 101, DiskPercent: 10},
		{CPUPercent: 10, MemPercent: 10, DiskPercent: 200},
	}
	for _, m := range cases {
		err := s.PostMetrics(context.Background(), uuid.New(), uuid.New(), m)
		apiErr, ok := err.(*apierr.Error)
		if !ok || apiErr.Code != apierr.CodeValidationFailed {
			t.Errorf("PostMetrics(%+v) = %v, want VALIDATION_FAILED", m, err)
		}
	}
}

func TestPostMetrics_AllowsBoundaryPercentages(t *testing.T) {
	s := New(nil, &clock.Fixed{T: time.Now()})

	m := Metrics{CPUPercent: 0, MemPercent: 100, DiskPercent: 50}
	err := pastDB(func() error {
		return s.PostMetrics(context.Background(), uuid.New(), uuid.New(), m)
	})
	if apiErr, ok := err.(*apierr.Error); ok && apiErr.Code == apierr.CodeValidationFailed {
		t.Errorf("boundary percentages were rejected: %v", err)
	}
}

// pastDB runs fn against a store built with a nil pool. pgxpool panics on
// the first query, so a panic means fn passed every input check and reached
// the DB; it is recovered and reported as a nil error.
func pastDB(fn func() error) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()
	return fn()
}
