package pkg

import (
	"time"
)

// SourceType identifies the positioning technology that produced a fix
type SourceType string

const (
	SourceGNSS     SourceType = "gnss"
	SourceWiFi     SourceType = "wifi"
	SourceCellular SourceType = "cellular"
	SourceSensor   SourceType = "sensor"
	SourceFused    SourceType = "fused"
	SourceOther    SourceType = "other"
)

// FixStatus classifies the quality of a fix as it moves through the pipeline
type FixStatus string

const (
	StatusValid       FixStatus = "valid"
	StatusInvalid     FixStatus = "invalid"
	StatusLowAccuracy FixStatus = "low_accuracy"
	StatusAnomaly     FixStatus = "anomaly"
)

// Fix represents one raw position reading from a single source.
// It is treated as an immutable value after creation; pipeline stages
// work on copies obtained via Clone.
type Fix struct {
	Latitude  float64  `json:"latitude"`  // Decimal degrees, -90..90
	Longitude float64  `json:"longitude"` // Decimal degrees, -180..180
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  float64  `json:"accuracy"` // Horizontal accuracy radius in meters
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"` // Degrees, 0..360

	Timestamp int64      `json:"timestamp"` // Milliseconds since epoch
	Source    SourceType `json:"source"`
	SourceID  string     `json:"source_id"`
	Status    FixStatus  `json:"status"`

	// Attributes carries source-specific extras such as satellite count,
	// signal strength, BSSID or cell identifiers.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsValid reports whether the fix is usable for correction
func (f *Fix) IsValid() bool {
	if f.Status != StatusValid {
		return false
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return false
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return false
	}
	if f.Accuracy <= 0 {
		return false
	}
	return f.Timestamp > 0
}

// InRange reports whether coordinates, accuracy and timestamp are within
// their allowed ranges regardless of status
func (f *Fix) InRange() bool {
	return f.Latitude >= -90 && f.Latitude <= 90 &&
		f.Longitude >= -180 && f.Longitude <= 180 &&
		f.Accuracy > 0 && f.Timestamp > 0
}

// Time returns the capture time as a time.Time
func (f *Fix) Time() time.Time {
	return time.UnixMilli(f.Timestamp)
}

// Age returns the fix age relative to now
func (f *Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.Time())
}

// Clone returns a deep copy of the fix
func (f *Fix) Clone() Fix {
	c := *f
	if f.Altitude != nil {
		v := *f.Altitude
		c.Altitude = &v
	}
	if f.Speed != nil {
		v := *f.Speed
		c.Speed = &v
	}
	if f.Bearing != nil {
		v := *f.Bearing
		c.Bearing = &v
	}
	if f.Attributes != nil {
		c.Attributes = make(map[string]string, len(f.Attributes))
		for k, v := range f.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}

// CorrectedFix is the pipeline output combining one or more fixes with
// provenance and confidence
type CorrectedFix struct {
	Original Fix `json:"original"`

	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  float64  `json:"accuracy"`
	Timestamp int64    `json:"timestamp"` // Always >= Original.Timestamp

	Confidence         float64 `json:"confidence"` // 0.0-1.0
	Method             string  `json:"method"`     // Correction method tag
	CorrectionDistance float64 `json:"correction_distance"`
	Fused              bool    `json:"fused"`
	SourceCount        int     `json:"source_count"`

	Details map[string]string `json:"details,omitempty"`
}

// Scene is a coarse motion/context label inferred from recent history
type Scene string

const (
	SceneStationary  Scene = "stationary"
	SceneWalking     Scene = "walking"
	SceneRunning     Scene = "running"
	SceneDriving     Scene = "driving"
	SceneIndoor      Scene = "indoor"
	SceneOutdoor     Scene = "outdoor"
	SceneUrbanCanyon Scene = "urban_canyon"
	SceneHighway     Scene = "highway"
	SceneUnknown     Scene = "unknown"
)

// FusionStrategy selects the algorithm applied by the fusion engine
type FusionStrategy string

const (
	StrategyPriority           FusionStrategy = "priority"
	StrategyWeightedAverage    FusionStrategy = "weighted_average"
	StrategyFootprintCoherence FusionStrategy = "footprint_coherence"
	StrategyAdaptive           FusionStrategy = "adaptive"
)

// CorrectionMode is an orthogonal throttling knob over the emission
// interval. Scene drives strategy and weights; mode only rescales
// minCorrectionInterval (Offline pauses emission entirely).
type CorrectionMode string

const (
	ModeNormal       CorrectionMode = "normal"
	ModeHighAccuracy CorrectionMode = "high_accuracy"
	ModeLowPower     CorrectionMode = "low_power"
	ModeFastUpdate   CorrectionMode = "fast_update"
	ModeOffline      CorrectionMode = "offline"
)

// SceneConfig is the policy applied while a scene is active
type SceneConfig struct {
	Strategy           FusionStrategy         `json:"strategy"`
	SourceWeights      map[SourceType]float64 `json:"source_weights,omitempty"`
	SourcePriorities   map[SourceType]int     `json:"source_priorities,omitempty"`
	MinRequiredSources int                    `json:"min_required_sources"`
	MaxSpeed           float64                `json:"max_speed"`    // m/s
	MinAccuracy        float64                `json:"min_accuracy"` // meters
}

// AnomalyThresholds bounds the kinematic and temporal constraints used by
// the anomaly detector bank
type AnomalyThresholds struct {
	MaxTimeDiffMs      int64   `json:"max_time_diff_ms"`
	MaxDistanceM       float64 `json:"max_distance_m"`
	MaxSpeedMS         float64 `json:"max_speed_ms"`
	MinAccuracyM       float64 `json:"min_accuracy_m"`
	MaxAccelerationMS2 float64 `json:"max_acceleration_ms2"`
	MinConfidence      float64 `json:"min_confidence"`
}

// DefaultAnomalyThresholds returns the stock thresholds
func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MaxTimeDiffMs:      60000,
		MaxDistanceM:       500,
		MaxSpeedMS:         70,
		MinAccuracyM:       100,
		MaxAccelerationMS2: 10,
		MinConfidence:      0.6,
	}
}

// PipelineState tracks the orchestrator lifecycle
type PipelineState string

const (
	StateStopped  PipelineState = "stopped"
	StateStarting PipelineState = "starting"
	StateRunning  PipelineState = "running"
	StateStopping PipelineState = "stopping"
	StateFailed   PipelineState = "failed"
)
