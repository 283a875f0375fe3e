package domain

import (
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// Risk level thresholds, inclusive lower bounds.
const (
	criticalThreshold = 80
	highThreshold     = 50
	mediumThreshold   = 25
	lowThreshold      = 10
)

// Score sums the flag weights of dep and classifies the total.
func Score(dep m.Dependency) (uint32, m.RiskLevel) {
	var total uint32
	for _, f := range dep.Flags {
		total += f.Weight
	}

	return total, LevelFor(total)
}

// LevelFor maps a score to its risk level.
func LevelFor(score uint32) m.RiskLevel {
	switch {
	case score >= criticalThreshold:
		return m.RiskCritical
	case score >= highThreshold:
		return m.RiskHigh
	case score >= mediumThreshold:
		return m.RiskMedium
	case score >= lowThreshold:
		return m.RiskLow
	default:
		return m.RiskClean
	}
}
