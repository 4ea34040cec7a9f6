package processor

import (
	"github.com/locuskit/locus/pkg"
)

// AccuracyFilter marks fixes whose reported accuracy falls outside the
// configured band as LowAccuracy. It never suppresses a fix; a later
// stage or the orchestrator decides whether to drop.
type AccuracyFilter struct {
	baseStage
	minAccuracy float64
	maxAccuracy float64
}

// NewAccuracyFilter creates the filter for the [minAccuracy, maxAccuracy]
// band in meters
func NewAccuracyFilter(minAccuracy, maxAccuracy float64, priority int) *AccuracyFilter {
	return &AccuracyFilter{
		baseStage:   newBaseStage(priority),
		minAccuracy: minAccuracy,
		maxAccuracy: maxAccuracy,
	}
}

func (a *AccuracyFilter) Name() string { return "accuracy_filter" }

func (a *AccuracyFilter) Process(fix pkg.Fix) (pkg.Fix, error) {
	// Invalid and anomalous fixes keep their stronger classification
	if fix.Status == pkg.StatusInvalid || fix.Status == pkg.StatusAnomaly {
		return fix, nil
	}
	if fix.Accuracy < a.minAccuracy || fix.Accuracy > a.maxAccuracy {
		fix.Status = pkg.StatusLowAccuracy
	}
	return fix, nil
}
