package processor

import (
	"time"

	"github.com/locuskit/locus/pkg"
)

// StalenessFilter invalidates fixes older than the configured maximum age
type StalenessFilter struct {
	baseStage
	maxAge time.Duration
	now    func() time.Time
}

// NewStalenessFilter creates the filter. now is injectable for tests;
// nil means time.Now.
func NewStalenessFilter(maxAge time.Duration, priority int, now func() time.Time) *StalenessFilter {
	if now == nil {
		now = time.Now
	}
	return &StalenessFilter{
		baseStage: newBaseStage(priority),
		maxAge:    maxAge,
		now:       now,
	}
}

func (s *StalenessFilter) Name() string { return "staleness_filter" }

func (s *StalenessFilter) Process(fix pkg.Fix) (pkg.Fix, error) {
	if fix.Status == pkg.StatusInvalid || fix.Status == pkg.StatusAnomaly {
		return fix, nil
	}
	if fix.Age(s.now()) > s.maxAge {
		fix.Status = pkg.StatusInvalid
	}
	return fix, nil
}
