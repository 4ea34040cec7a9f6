// Package scene infers a coarse motion/context label from recent
// accepted fixes. The classifier is purely observational; policy lookup
// happens in the fusion engine.
package scene

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sajari/regression"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
	"github.com/locuskit/locus/pkg/logx"
)

// Config holds the classifier thresholds. Speeds are m/s.
type Config struct {
	StationaryThreshold float64       `json:"stationary_threshold"`
	WalkingThreshold    float64       `json:"walking_threshold"`
	RunningThreshold    float64       `json:"running_threshold"`
	DrivingThreshold    float64       `json:"driving_threshold"`
	HighwaySpeed        float64       `json:"highway_speed"`
	GoodAccuracyM       float64       `json:"good_accuracy_m"`
	CheckInterval       time.Duration `json:"check_interval"`
	SpeedPairs          int           `json:"speed_pairs"`
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		StationaryThreshold: 0.5,
		WalkingThreshold:    0.8,
		RunningThreshold:    3.0,
		DrivingThreshold:    8.0,
		HighwaySpeed:        33.3,
		GoodAccuracyM:       10.0,
		CheckInterval:       5 * time.Second,
		SpeedPairs:          5,
	}
}

// Classifier maps recent fix history to a scene label at most once per
// check interval, retaining the prior label between checks and when data
// is insufficient.
type Classifier struct {
	mu        sync.RWMutex
	config    Config
	logger    *logx.Logger
	current   pkg.Scene
	lastCheck time.Time
}

// NewClassifier creates a classifier starting in the Unknown scene
func NewClassifier(config Config, logger *logx.Logger) *Classifier {
	if config.SpeedPairs <= 0 {
		config.SpeedPairs = 5
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 5 * time.Second
	}
	return &Classifier{config: config, logger: logger, current: pkg.SceneUnknown}
}

// Current returns the active scene label
func (c *Classifier) Current() pkg.Scene {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// ForceScene overrides the label until the next re-classification
func (c *Classifier) ForceScene(s pkg.Scene) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

// Update re-classifies from history (oldest first) when the check
// interval has elapsed, and returns the active scene either way.
func (c *Classifier) Update(history []pkg.Fix, now time.Time) pkg.Scene {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.config.CheckInterval {
		return c.current
	}
	c.lastCheck = now

	next, ok := c.classify(history)
	if !ok {
		// Insufficient data: retain prior if any
		if c.current == "" {
			c.current = pkg.SceneUnknown
		}
		return c.current
	}

	if next != c.current && c.logger != nil {
		c.logger.Info("scene changed", "from", string(c.current), "to", string(next))
	}
	c.current = next
	return c.current
}

func (c *Classifier) classify(history []pkg.Fix) (pkg.Scene, bool) {
	speeds := pairSpeeds(history, c.config.SpeedPairs)
	if len(speeds) == 0 {
		return pkg.SceneUnknown, false
	}
	speed := median(speeds)

	latest := history[len(history)-1]

	switch {
	case speed >= c.config.DrivingThreshold:
		if speed >= c.config.HighwaySpeed && flatSpeedTrend(history, c.config.SpeedPairs+1) {
			return pkg.SceneHighway, true
		}
		return pkg.SceneDriving, true
	case speed >= c.config.RunningThreshold:
		return pkg.SceneRunning, true
	case speed >= c.config.WalkingThreshold:
		return pkg.SceneWalking, true
	case speed < c.config.StationaryThreshold:
		return c.classifyStationary(history, latest), true
	default:
		// Between stationary and walking thresholds: ambiguous crawl,
		// treat as walking
		return pkg.SceneWalking, true
	}
}

// classifyStationary refines a non-moving label using the primary source
// and its accuracy
func (c *Classifier) classifyStationary(history []pkg.Fix, latest pkg.Fix) pkg.Scene {
	switch latest.Source {
	case pkg.SourceGNSS:
		if latest.Accuracy < c.config.GoodAccuracyM {
			return pkg.SceneOutdoor
		}
		if c.accuracyDegraded(history, latest) {
			return pkg.SceneUrbanCanyon
		}
	case pkg.SourceWiFi, pkg.SourceCellular:
		if latest.Accuracy >= c.config.GoodAccuracyM {
			return pkg.SceneIndoor
		}
	}
	return pkg.SceneStationary
}

// accuracyDegraded reports a satellite fix whose accuracy is at least
// three times the recent satellite median while still tracking several
// satellites, the signature of signal reflection between tall structures
func (c *Classifier) accuracyDegraded(history []pkg.Fix, latest pkg.Fix) bool {
	var accs []float64
	for _, f := range history {
		if f.Source == pkg.SourceGNSS && f.Timestamp < latest.Timestamp {
			accs = append(accs, f.Accuracy)
		}
	}
	if len(accs) < 3 {
		return false
	}
	med := median(accs)
	if med <= 0 || latest.Accuracy < 3*med {
		return false
	}
	sats, ok := satelliteCount(latest)
	return ok && sats >= 8
}

// pairSpeeds returns the instantaneous speeds of the last maxPairs
// consecutive fix pairs
func pairSpeeds(history []pkg.Fix, maxPairs int) []float64 {
	if len(history) < 2 {
		return nil
	}
	start := len(history) - maxPairs - 1
	if start < 0 {
		start = 0
	}
	var speeds []float64
	for i := start; i+1 < len(history); i++ {
		a, b := history[i], history[i+1]
		if b.Timestamp <= a.Timestamp {
			continue
		}
		speeds = append(speeds, geo.SpeedBetween(
			a.Latitude, a.Longitude, a.Timestamp,
			b.Latitude, b.Longitude, b.Timestamp))
	}
	return speeds
}

// flatSpeedTrend fits speed against time over the recent pairs and
// reports whether the slope stays within +-0.5 m/s^2, the signature of
// sustained cruise rather than stop-and-go traffic
func flatSpeedTrend(history []pkg.Fix, pairs int) bool {
	if len(history) < 3 {
		return false
	}
	start := len(history) - pairs - 1
	if start < 0 {
		start = 0
	}

	r := new(regression.Regression)
	r.SetObserved("speed_ms")
	r.SetVar(0, "elapsed_s")

	t0 := history[start].Timestamp
	n := 0
	for i := start; i+1 < len(history); i++ {
		a, b := history[i], history[i+1]
		if b.Timestamp <= a.Timestamp {
			continue
		}
		speed := geo.SpeedBetween(a.Latitude, a.Longitude, a.Timestamp,
			b.Latitude, b.Longitude, b.Timestamp)
		elapsed := float64(b.Timestamp-t0) / 1000.0
		r.Train(regression.DataPoint(speed, []float64{elapsed}))
		n++
	}
	if n < 3 {
		return false
	}
	if err := r.Run(); err != nil {
		return false
	}
	slope := r.Coeff(1)
	return !math.IsNaN(slope) && math.Abs(slope) < 0.5
}

func satelliteCount(fix pkg.Fix) (int, bool) {
	raw, ok := fix.Attributes["satellites"]
	if !ok {
		return 0, false
	}
	n := 0
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		n = n*10 + int(ch-'0')
	}
	return n, true
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
