package processor

import (
	"gonum.org/v1/gonum/stat"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
	"github.com/locuskit/locus/pkg/window"
)

const (
	// outlierMinSamples is the history size below which the detector
	// passes everything through while it builds a baseline
	outlierMinSamples = 5

	// outlierStddevFloorM clamps the spread estimate so a tight early
	// cluster does not flag ordinary jitter
	outlierStddevFloorM = 1.0
)

// StatisticalOutlier marks fixes far from the centroid of recent accepted
// fixes as anomalies. Anomalous fixes never enter the history window.
type StatisticalOutlier struct {
	baseStage
	history         *window.Window
	thresholdFactor float64
}

// NewStatisticalOutlier creates the stage with a bounded history
// (windowSize, default 50) and distance threshold factor (default 2.0)
func NewStatisticalOutlier(windowSize int, thresholdFactor float64, priority int) *StatisticalOutlier {
	if windowSize <= 0 {
		windowSize = 50
	}
	if thresholdFactor <= 0 {
		thresholdFactor = 2.0
	}
	return &StatisticalOutlier{
		baseStage:       newBaseStage(priority),
		history:         window.New(windowSize),
		thresholdFactor: thresholdFactor,
	}
}

func (o *StatisticalOutlier) Name() string { return "statistical_outlier" }

func (o *StatisticalOutlier) Process(fix pkg.Fix) (pkg.Fix, error) {
	if fix.Status == pkg.StatusInvalid || fix.Status == pkg.StatusAnomaly {
		return fix, nil
	}

	snapshot := o.history.Snapshot()
	if len(snapshot) >= outlierMinSamples && !directedMotion(snapshot) {
		lats := make([]float64, len(snapshot))
		lons := make([]float64, len(snapshot))
		for i, h := range snapshot {
			lats[i] = h.Latitude
			lons[i] = h.Longitude
		}
		centLat := stat.Mean(lats, nil)
		centLon := stat.Mean(lons, nil)

		dists := make([]float64, len(snapshot))
		for i, h := range snapshot {
			dists[i] = geo.Distance(h.Latitude, h.Longitude, centLat, centLon)
		}
		sigma := stat.StdDev(dists, nil)
		if sigma < outlierStddevFloorM {
			sigma = outlierStddevFloorM
		}

		if geo.Distance(fix.Latitude, fix.Longitude, centLat, centLon) > o.thresholdFactor*sigma {
			fix.Status = pkg.StatusAnomaly
			return fix, nil
		}
	}

	// Re-running the chain must not double-count a fix already in history
	if last, ok := o.history.Last(); !ok ||
		last.Timestamp != fix.Timestamp || last.SourceID != fix.SourceID {
		o.history.Push(fix)
	}
	return fix, nil
}

// directedMotionRatio is the net-to-path displacement ratio above which
// the window is considered to be travelling rather than jittering
const directedMotionRatio = 0.6

// directedMotion reports whether the window shows sustained travel. A
// sliding centroid over a moving user would otherwise flag the frontier
// of ordinary motion; kinematic screening of moving users belongs to the
// speed and acceleration detectors.
func directedMotion(snapshot []pkg.Fix) bool {
	if len(snapshot) < 2 {
		return false
	}
	path := 0.0
	for i := 1; i < len(snapshot); i++ {
		path += geo.Distance(snapshot[i-1].Latitude, snapshot[i-1].Longitude,
			snapshot[i].Latitude, snapshot[i].Longitude)
	}
	if path <= 0 {
		return false
	}
	net := geo.Distance(snapshot[0].Latitude, snapshot[0].Longitude,
		snapshot[len(snapshot)-1].Latitude, snapshot[len(snapshot)-1].Longitude)
	return net/path >= directedMotionRatio
}

// HistorySnapshot exposes the accepted-fix window for tests and
// diagnostics
func (o *StatisticalOutlier) HistorySnapshot() []pkg.Fix {
	return o.history.Snapshot()
}

// Reset clears the accepted-fix history
func (o *StatisticalOutlier) Reset() {
	o.history.Clear()
}
