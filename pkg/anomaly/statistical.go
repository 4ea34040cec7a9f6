package anomaly

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/window"
)

// statisticalMinSamples is the window size below which the detector
// abstains while it builds a baseline
const statisticalMinSamples = 5

// StatisticalDetector flags fixes whose latitude, longitude or accuracy
// deviates from the recent baseline by more than zThreshold standard
// deviations (accuracy uses twice the threshold). The detector owns its
// window but Detect never writes it: the caller feeds accepted fixes
// through Observe once the composite verdict is known, so a fix any
// detector condemns stays out of the baseline.
type StatisticalDetector struct {
	history    *window.Window
	zThreshold float64
}

// NewStatisticalDetector creates the detector with a bounded window
// (default 50) and z threshold (default 2.0)
func NewStatisticalDetector(windowSize int, zThreshold float64) *StatisticalDetector {
	if windowSize <= 0 {
		windowSize = 50
	}
	if zThreshold <= 0 {
		zThreshold = 2.0
	}
	return &StatisticalDetector{
		history:    window.New(windowSize),
		zThreshold: zThreshold,
	}
}

func (d *StatisticalDetector) Name() string { return "statistical" }

func (d *StatisticalDetector) Detect(fix pkg.Fix, _ []pkg.Fix) Verdict {
	snapshot := d.history.Snapshot()
	if len(snapshot) < statisticalMinSamples {
		return Verdict{}
	}

	lats := make([]float64, len(snapshot))
	lons := make([]float64, len(snapshot))
	accs := make([]float64, len(snapshot))
	for i, h := range snapshot {
		lats[i] = h.Latitude
		lons[i] = h.Longitude
		accs[i] = h.Accuracy
	}

	zLat := zScore(fix.Latitude, lats)
	zLon := zScore(fix.Longitude, lons)
	zAcc := zScore(fix.Accuracy, accs)

	worst := math.Max(math.Abs(zLat), math.Abs(zLon))
	accLimit := 2 * d.zThreshold
	if worst > d.zThreshold || math.Abs(zAcc) > accLimit {
		excess := worst/d.zThreshold - 1
		if accExcess := math.Abs(zAcc)/accLimit - 1; accExcess > excess {
			excess = accExcess
		}
		return Verdict{
			IsAnomaly:  true,
			Confidence: math.Min(1, math.Max(0, excess)),
			Info: map[string]string{
				"z_lat": fmt.Sprintf("%.2f", zLat),
				"z_lon": fmt.Sprintf("%.2f", zLon),
				"z_acc": fmt.Sprintf("%.2f", zAcc),
			},
		}
	}
	return Verdict{}
}

// Observe admits an accepted fix to the baseline window. Call it only
// for fixes the composite did not mark anomalous; the window itself
// refuses anomalies and time regressions.
func (d *StatisticalDetector) Observe(fix pkg.Fix) {
	d.history.Push(fix)
}

// WindowLen exposes the current baseline size for diagnostics
func (d *StatisticalDetector) WindowLen() int {
	return d.history.Len()
}

// Reset clears the baseline window
func (d *StatisticalDetector) Reset() {
	d.history.Clear()
}

func zScore(v float64, sample []float64) float64 {
	mean, std := stat.MeanStdDev(sample, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return (v - mean) / std
}
