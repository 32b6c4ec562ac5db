package rollout

import (
	"math"
	"sort"
)

// resolvePhaseTarget computes how many of the still-uncovered candidates a
// phase should claim, per spec §4.6.3. Exactly one of targetCount/
// targetPercentage is set by construction (validated at creation time).
func resolvePhaseTarget(targetCount *int, targetPercentage *float64, remaining int) int {
	switch {
	case targetPercentage != nil:
		n := int(math.Ceil(*targetPercentage * float64(remaining) / 100))
		if n > remaining {
			n = remaining
		}
		return n
	case targetCount != nil:
		if *targetCount < remaining {
			return *targetCount
		}
		return remaining
	default:
		return 0
	}
}

// orderCandidates sorts devices by (healthScore desc, lastSeenAt desc,
// deviceId asc), seeding canaries with the most observable devices first.
func orderCandidates(devices []DeviceHealthInfo) []DeviceHealthInfo {
	out := make([]DeviceHealthInfo, len(devices))
	copy(out, devices)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].DeviceID.String() < out[j].DeviceID.String()
	})
	return out
}

// selectPhaseDevices orders the remaining candidates and claims the first
// n for this phase (or all of them, if this is the final phase).
func selectPhaseDevices(remaining []DeviceHealthInfo, target int, finalPhase bool) (claimed, rest []DeviceHealthInfo) {
	ordered := orderCandidates(remaining)
	n := target
	if finalPhase || n > len(ordered) {
		n = len(ordered)
	}
	return ordered[:n], ordered[n:]
}

// minAttemptedForGate is the attempted-count threshold below which the
// failure gate cannot fire yet, per spec §4.6.4 step 3:
// attempted >= min(phase.target, ceil(totalAssignments/2)).
func minAttemptedForGate(phaseTarget, totalAssignments int) int {
	half := int(math.Ceil(float64(totalAssignments) / 2))
	if phaseTarget < half {
		return phaseTarget
	}
	return half
}

// failureGateTripped evaluates spec §4.6.4 step 3.
func failureGateTripped(successCount, failureCount, phaseTarget, totalAssignments int, failureThreshold float64) bool {
	attempted := successCount + failureCount
	if attempted == 0 {
		return false
	}
	if attempted < minAttemptedForGate(phaseTarget, totalAssignments) {
		return false
	}
	return float64(failureCount)/float64(attempted) > failureThreshold
}

// projectAssignmentStatus maps a ReportedStatus state onto an assignment
// status, per spec §4.6.4 step 2. prior is the assignment's current
// status, used when the report is still non-terminal.
func projectAssignmentStatus(reportState, prior string) string {
	switch reportState {
	case "completed":
		return AssignmentStatusSucceeded
	case "failed":
		return AssignmentStatusFailed
	case "in_progress":
		return AssignmentStatusReconciling
	case "pending":
		if prior == "" {
			return AssignmentStatusAssigned
		}
		return prior
	default:
		return prior
	}
}
