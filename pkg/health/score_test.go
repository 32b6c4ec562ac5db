package health

import (
	"testing"
	"time"
)

func TestHeartbeatScore(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{0, 40},
		{30 * time.Second, 40},
		{time.Minute, 40},
		{10 * time.Minute, 0},
		{20 * time.Minute, 0},
	}
	for _, c := range cases {
		if got := heartbeatScore(c.age); got != c.want {
			t.Errorf("heartbeatScore(%v) = %v, want %v", c.age, got, c.want)
		}
	}

	mid := heartbeatScore(5*time.Minute + 30*time.Second)
	if mid <= 0 || mid >= 40 {
		t.Errorf("heartbeatScore at midpoint = %v, want strictly between 0 and 40", mid)
	}
}

func TestReconciliationScore(t *testing.T) {
	if got := reconciliationScore(0, 0); got != 30 {
		t.Errorf("reconciliationScore(0,0) = %v, want 30 (no history yet)", got)
	}
	if got := reconciliationScore(10, 10); got != 30 {
		t.Errorf("reconciliationScore(10,10) = %v, want 30", got)
	}
	if got := reconciliationScore(5, 10); got != 15 {
		t.Errorf("reconciliationScore(5,10) = %v, want 15", got)
	}
	if got := reconciliationScore(0, 10); got != 0 {
		t.Errorf("reconciliationScore(0,10) = %v, want 0", got)
	}
}

func TestResourceScore(t *testing.T) {
	if got := resourceScore(false, 99, 99, 99); got != 30 {
		t.Errorf("resourceScore with no sample = %v, want 30", got)
	}
	if got := resourceScore(true, 10, 10, 10); got != 30 {
		t.Errorf("resourceScore all-healthy = %v, want 30", got)
	}
	if got := resourceScore(true, 95, 10, 10); got != 20 {
		t.Errorf("resourceScore one critical = %v, want 20", got)
	}
	if got := resourceScore(true, 95, 95, 95); got != 0 {
		t.Errorf("resourceScore all critical = %v, want 0 (clamped)", got)
	}
	if got := resourceScore(true, 80, 10, 10); got != 25 {
		t.Errorf("resourceScore one warning = %v, want 25", got)
	}
}

func TestBucket(t *testing.T) {
	cases := map[float64]string{
		100: BucketHealthy,
		70:  BucketHealthy,
		69:  BucketDegraded,
		40:  BucketDegraded,
		39:  BucketCritical,
		0:   BucketCritical,
	}
	for total, want := range cases {
		if got := Bucket(total); got != want {
			t.Errorf("Bucket(%v) = %q, want %q", total, got, want)
		}
	}
}

func TestCompute_SumsComponents(t *testing.T) {
	total, hb, recon, res := compute(0, 10, 10, true, 10, 10, 10)
	if total != hb+recon+res {
		t.Errorf("total %v != sum of components %v", total, hb+recon+res)
	}
	if total != 100 {
		t.Errorf("perfect device scored %v, want 100", total)
	}
}
