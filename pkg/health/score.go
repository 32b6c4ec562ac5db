package health

import "time"

// heartbeatScore is 40 if age <= 1 minute, linearly decays to 0 at 10
// minutes, and 0 thereafter.
func heartbeatScore(age time.Duration) float64 {
	const (
		fullCredit = time.Minute
		zeroCredit = 10 * time.Minute
	)
	if age <= fullCredit {
		return 40
	}
	if age >= zeroCredit {
		return 0
	}
	frac := 1 - float64(age-fullCredit)/float64(zeroCredit-fullCredit)
	return 40 * frac
}

// reconciliationScore is 30*success/total over the most recent terminal
// reconciliations, or 30 if there are none yet.
func reconciliationScore(successCount, totalCount int) float64 {
	if totalCount == 0 {
		return 30
	}
	return 30 * float64(successCount) / float64(totalCount)
}

// resourcePenalty is 1 at >=90%, 0.5 at >=75%, else 0.
func resourcePenalty(pct float64) float64 {
	switch {
	case pct >= 90:
		return 1
	case pct >= 75:
		return 0.5
	default:
		return 0
	}
}

// resourceScore combines cpu/mem/disk penalties, clamped to [0,30]. hasSample
// is false when no metrics sample exists within the 5-minute window, in
// which case resourceScore contributes its maximum (no penalty data, no
// penalty applied).
func resourceScore(hasSample bool, cpuPercent, memPercent, diskPercent float64) float64 {
	if !hasSample {
		return 30
	}
	score := 30 - 10*resourcePenalty(cpuPercent) - 10*resourcePenalty(memPercent) - 10*resourcePenalty(diskPercent)
	if score < 0 {
		return 0
	}
	if score > 30 {
		return 30
	}
	return score
}

// compute combines the three components per spec §4.4.
func compute(hbAge time.Duration, successCount, totalCount int, hasMetricsSample bool, cpuPercent, memPercent, diskPercent float64) (total, hb, recon, res float64) {
	hb = heartbeatScore(hbAge)
	recon = reconciliationScore(successCount, totalCount)
	res = resourceScore(hasMetricsSample, cpuPercent, memPercent, diskPercent)
	total = hb + recon + res
	return total, hb, recon, res
}
