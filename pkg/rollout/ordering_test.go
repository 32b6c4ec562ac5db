package rollout

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func intPtr(n int) *int          { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestResolvePhaseTarget_Percentage(t *testing.T) {
	cases := []struct {
		pct       float64
		remaining int
		want      int
	}{
		{10, 100, 10},
		{10, 95, 10}, // ceil(9.5) = 10
		{1, 10, 1},   // ceil(0.1) = 1
		{100, 7, 7},
		{50, 3, 2}, // ceil(1.5) = 2
	}
	for _, c := range cases {
		if got := resolvePhaseTarget(nil, &c.pct, c.remaining); got != c.want {
			t.Errorf("resolvePhaseTarget(pct=%v, remaining=%v) = %v, want %v", c.pct, c.remaining, got, c.want)
		}
	}
}

func TestResolvePhaseTarget_Count(t *testing.T) {
	if got := resolvePhaseTarget(intPtr(5), nil, 10); got != 5 {
		t.Errorf("resolvePhaseTarget(count=5, remaining=10) = %v, want 5", got)
	}
	if got := resolvePhaseTarget(intPtr(20), nil, 10); got != 10 {
		t.Errorf("resolvePhaseTarget(count=20, remaining=10) = %v, want 10 (clamped)", got)
	}
}

func TestOrderCandidates_HealthDescThenLastSeenDescThenIDAsc(t *testing.T) {
	now := time.Now()
	idLow := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	idHigh := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	devices := []DeviceHealthInfo{
		{DeviceID: idHigh, HealthScore: 50, LastSeenAt: now},
		{DeviceID: idLow, HealthScore: 50, LastSeenAt: now},
		{DeviceID: uuid.New(), HealthScore: 90, LastSeenAt: now.Add(-time.Hour)},
		{DeviceID: uuid.New(), HealthScore: 90, LastSeenAt: now},
	}
	ordered := orderCandidates(devices)

	if ordered[0].HealthScore != 90 || ordered[1].HealthScore != 90 {
		t.Fatalf("expected two highest-health devices first, got %+v", ordered)
	}
	if !ordered[0].LastSeenAt.Equal(now) {
		t.Errorf("among equal health scores, most recently seen should sort first")
	}
	// The two score=50 devices (equal lastSeenAt) should be ordered by id asc.
	if ordered[2].DeviceID != idLow || ordered[3].DeviceID != idHigh {
		t.Errorf("tie on health+lastSeen should break by device id ascending, got %+v, %+v", ordered[2].DeviceID, ordered[3].DeviceID)
	}
}

func TestSelectPhaseDevices_FinalPhaseTakesAllRemaining(t *testing.T) {
	devices := make([]DeviceHealthInfo, 5)
	for i := range devices {
		devices[i] = DeviceHealthInfo{DeviceID: uuid.New(), HealthScore: float64(i), LastSeenAt: time.Now()}
	}
	claimed, rest := selectPhaseDevices(devices, 1, true)
	if len(claimed) != 5 || len(rest) != 0 {
		t.Errorf("final phase should claim all remaining devices regardless of target, got claimed=%d rest=%d", len(claimed), len(rest))
	}
}

func TestSelectPhaseDevices_NonFinalPhaseRespectsTarget(t *testing.T) {
	devices := make([]DeviceHealthInfo, 5)
	for i := range devices {
		devices[i] = DeviceHealthInfo{DeviceID: uuid.New(), HealthScore: float64(i), LastSeenAt: time.Now()}
	}
	claimed, rest := selectPhaseDevices(devices, 2, false)
	if len(claimed) != 2 || len(rest) != 3 {
		t.Errorf("non-final phase should claim exactly its target, got claimed=%d rest=%d", len(claimed), len(rest))
	}
}

func TestFailureGateTripped(t *testing.T) {
	// Below the minimum-attempted threshold: gate cannot fire yet.
	if failureGateTripped(0, 1, 10, 10, 0.05) {
		t.Error("gate fired before attempted reached the minimum threshold")
	}
	// attempted=5 >= min(10, ceil(10/2)=5); failureRate=3/5=0.6 > 0.05
	if !failureGateTripped(2, 3, 10, 10, 0.05) {
		t.Error("gate should have fired: high failure rate past the attempted threshold")
	}
	// attempted=5, failureRate=0 <= 0.05
	if failureGateTripped(5, 0, 10, 10, 0.05) {
		t.Error("gate fired with zero failures")
	}
}

func TestProjectAssignmentStatus(t *testing.T) {
	if got := projectAssignmentStatus("completed", AssignmentStatusReconciling); got != AssignmentStatusSucceeded {
		t.Errorf("completed -> %s, want Succeeded", got)
	}
	if got := projectAssignmentStatus("failed", AssignmentStatusReconciling); got != AssignmentStatusFailed {
		t.Errorf("failed -> %s, want Failed", got)
	}
	if got := projectAssignmentStatus("in_progress", AssignmentStatusAssigned); got != AssignmentStatusReconciling {
		t.Errorf("in_progress -> %s, want Reconciling", got)
	}
	if got := projectAssignmentStatus("pending", ""); got != AssignmentStatusAssigned {
		t.Errorf("pending with no prior -> %s, want Assigned", got)
	}
}
