// Package anomaly implements the detector bank that screens processed
// fixes against temporal, kinematic and statistical constraints.
package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
)

// Verdict is one detector's judgement of a fix
type Verdict struct {
	IsAnomaly  bool              `json:"is_anomaly"`
	Confidence float64           `json:"confidence"` // 0.0-1.0
	Info       map[string]string `json:"info,omitempty"`
}

// Detector judges a fix against a read-only slice of recent accepted
// fixes (oldest first). Detectors requiring deeper history own their own
// internally locked window.
type Detector interface {
	Name() string
	Detect(fix pkg.Fix, context []pkg.Fix) Verdict
}

// TimeGapDetector flags fixes whose capture time lags wall time beyond
// the configured gap
type TimeGapDetector struct {
	maxGap time.Duration
	now    func() time.Time
}

// NewTimeGapDetector creates the detector; nil now means time.Now
func NewTimeGapDetector(maxGap time.Duration, now func() time.Time) *TimeGapDetector {
	if now == nil {
		now = time.Now
	}
	return &TimeGapDetector{maxGap: maxGap, now: now}
}

func (d *TimeGapDetector) Name() string { return "time_gap" }

func (d *TimeGapDetector) Detect(fix pkg.Fix, _ []pkg.Fix) Verdict {
	gap := fix.Age(d.now())
	if gap <= d.maxGap {
		return Verdict{}
	}
	ratio := float64(gap) / float64(d.maxGap)
	return Verdict{
		IsAnomaly:  true,
		Confidence: math.Min(1, ratio),
		Info: map[string]string{
			"gap_ms": fmt.Sprintf("%d", gap.Milliseconds()),
		},
	}
}

// SpeedDetector flags fixes implying a speed above the kinematic limit
// relative to the most recent earlier fix in context
type SpeedDetector struct {
	maxSpeed float64 // m/s
}

// NewSpeedDetector creates the detector for the given limit in m/s
func NewSpeedDetector(maxSpeed float64) *SpeedDetector {
	return &SpeedDetector{maxSpeed: maxSpeed}
}

func (d *SpeedDetector) Name() string { return "speed" }

func (d *SpeedDetector) Detect(fix pkg.Fix, context []pkg.Fix) Verdict {
	prev, ok := latestBefore(context, fix.Timestamp)
	if !ok || d.maxSpeed <= 0 {
		return Verdict{}
	}

	speed := geo.SpeedBetween(prev.Latitude, prev.Longitude, prev.Timestamp,
		fix.Latitude, fix.Longitude, fix.Timestamp)
	if speed <= d.maxSpeed {
		return Verdict{}
	}
	return Verdict{
		IsAnomaly:  true,
		Confidence: math.Min(1, speed/d.maxSpeed-1),
		Info: map[string]string{
			"speed_ms": fmt.Sprintf("%.2f", speed),
			"limit_ms": fmt.Sprintf("%.2f", d.maxSpeed),
		},
	}
}

// AccelerationDetector flags implied accelerations beyond the threshold.
// Reported speeds are preferred; otherwise speeds are derived from the
// last two context fixes.
type AccelerationDetector struct {
	maxAcceleration float64 // m/s^2
}

// NewAccelerationDetector creates the detector for the given threshold
func NewAccelerationDetector(maxAcceleration float64) *AccelerationDetector {
	return &AccelerationDetector{maxAcceleration: maxAcceleration}
}

func (d *AccelerationDetector) Name() string { return "acceleration" }

func (d *AccelerationDetector) Detect(fix pkg.Fix, context []pkg.Fix) Verdict {
	prev, ok := latestBefore(context, fix.Timestamp)
	if !ok || d.maxAcceleration <= 0 {
		return Verdict{}
	}
	elapsed := float64(fix.Timestamp-prev.Timestamp) / 1000.0
	if elapsed <= 0 {
		return Verdict{}
	}

	var vPrev, vCur float64
	if prev.Speed != nil && fix.Speed != nil {
		vPrev = *prev.Speed
		vCur = *fix.Speed
	} else {
		prev2, ok2 := latestBefore(context, prev.Timestamp)
		if !ok2 {
			return Verdict{}
		}
		vPrev = geo.SpeedBetween(prev2.Latitude, prev2.Longitude, prev2.Timestamp,
			prev.Latitude, prev.Longitude, prev.Timestamp)
		vCur = geo.SpeedBetween(prev.Latitude, prev.Longitude, prev.Timestamp,
			fix.Latitude, fix.Longitude, fix.Timestamp)
	}

	accel := math.Abs(vCur-vPrev) / elapsed
	if accel <= d.maxAcceleration {
		return Verdict{}
	}
	return Verdict{
		IsAnomaly:  true,
		Confidence: math.Min(1, accel/d.maxAcceleration-1),
		Info: map[string]string{
			"acceleration_ms2": fmt.Sprintf("%.2f", accel),
		},
	}
}

// latestBefore returns the most recent context fix strictly earlier than
// ts. Context is oldest first.
func latestBefore(context []pkg.Fix, ts int64) (pkg.Fix, bool) {
	for i := len(context) - 1; i >= 0; i-- {
		if context[i].Timestamp < ts {
			return context[i], true
		}
	}
	return pkg.Fix{}, false
}
