// Package config carries the correction engine configuration. Validation
// failures are fatal at init; runtime updates replace the whole value
// under the pipeline's configuration lock.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/locuskit/locus/pkg"
)

// StoreConfig selects and tunes the history backend
type StoreConfig struct {
	Backend  string `json:"backend"` // memory | file | sqlite | bolt
	Path     string `json:"path"`
	Capacity int    `json:"capacity"`
}

// GoogleConfig gates the Google geolocation producer. When enabled it
// provides the wifi-kind collector; otherwise a simulated walker
// stands in.
type GoogleConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	IntervalMs int64  `json:"interval_ms"`
	ConsiderIP bool   `json:"consider_ip"`
}

// MQTTConfig tunes the optional MQTT publisher
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
}

// Config is the full correction engine configuration
type Config struct {
	LogLevel string `json:"log_level"`

	// Collector enable flags
	EnableGNSS     bool `json:"enable_gnss"`
	EnableWiFi     bool `json:"enable_wifi"`
	EnableCellular bool `json:"enable_cellular"`

	// Fusion policy
	FusionStrategy pkg.FusionStrategy              `json:"fusion_strategy"`
	SceneConfigs   map[pkg.Scene]pkg.SceneConfig   `json:"scene_configs,omitempty"`
	Mode           pkg.CorrectionMode              `json:"mode"`

	// Anomaly detection
	AnomalyThresholds pkg.AnomalyThresholds `json:"anomaly_thresholds"`

	// Pipeline timing
	QueueCapacity           int   `json:"queue_capacity"`
	MinCorrectionIntervalMs int64 `json:"min_correction_interval_ms"`
	CorrelationWindowMs     int64 `json:"correlation_window_ms"`
	SceneCheckIntervalMs    int64 `json:"scene_check_interval_ms"`

	// High-throughput variant
	EnableBatching bool  `json:"enable_batching"`
	BatchSize      int   `json:"batch_size"`
	BatchTimeoutMs int64 `json:"batch_timeout_ms"`
	EnableCaching  bool  `json:"enable_caching"`
	CacheSize      int   `json:"cache_size"`
	CacheTimeoutMs int64 `json:"cache_timeout_ms"`

	// Processor chain
	MinAccuracyM      float64 `json:"min_accuracy_m"`
	MaxAccuracyM      float64 `json:"max_accuracy_m"`
	MaxTimeDiffMs     int64   `json:"max_time_diff_ms"`
	StatisticalWindow int     `json:"statistical_window"`
	ZThreshold        float64 `json:"z_threshold"`
	ThresholdFactor   float64 `json:"threshold_factor"`

	// Algorithm parameter map (smoothing factor, confidence threshold)
	AlgorithmParams map[string]float64 `json:"algorithm_params,omitempty"`

	Store   StoreConfig  `json:"store"`
	Google  GoogleConfig `json:"google"`
	MQTT    MQTTConfig   `json:"mqtt"`
	Metrics struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"metrics"`
}

// Default returns the stock configuration
func Default() *Config {
	cfg := &Config{
		LogLevel:       "info",
		EnableGNSS:     true,
		EnableWiFi:     true,
		EnableCellular: true,

		FusionStrategy: pkg.StrategyAdaptive,
		Mode:           pkg.ModeNormal,

		AnomalyThresholds: pkg.DefaultAnomalyThresholds(),

		QueueCapacity:           1000,
		MinCorrectionIntervalMs: 1000,
		CorrelationWindowMs:     500,
		SceneCheckIntervalMs:    5000,

		BatchSize:      10,
		BatchTimeoutMs: 100,
		CacheSize:      100,
		CacheTimeoutMs: 5 * 60 * 1000,

		MinAccuracyM:      0.1,
		MaxAccuracyM:      100,
		MaxTimeDiffMs:     60000,
		StatisticalWindow: 50,
		ZThreshold:        2.0,
		ThresholdFactor:   2.0,

		AlgorithmParams: map[string]float64{
			"smoothingFactor":     0.7,
			"confidenceThreshold": 0.6,
		},

		Store:  StoreConfig{Backend: "memory", Capacity: 10000},
		Google: GoogleConfig{IntervalMs: 30000, ConsiderIP: true},
	}
	cfg.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "locusd",
		TopicPrefix: "locus",
		QoS:         1,
	}
	cfg.Metrics.Listen = ":9109"
	return cfg
}

// Load reads a JSON config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline must refuse to start
// with. All errors wrap pkg.ErrInvalidConfig.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", pkg.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.FusionStrategy {
	case pkg.StrategyPriority, pkg.StrategyWeightedAverage,
		pkg.StrategyFootprintCoherence, pkg.StrategyAdaptive:
	default:
		return fail("unknown fusion strategy %q", c.FusionStrategy)
	}

	switch c.Mode {
	case pkg.ModeNormal, pkg.ModeHighAccuracy, pkg.ModeLowPower,
		pkg.ModeFastUpdate, pkg.ModeOffline:
	default:
		return fail("unknown correction mode %q", c.Mode)
	}

	if c.MaxAccuracyM <= c.MinAccuracyM {
		return fail("max_accuracy_m (%.1f) must exceed min_accuracy_m (%.1f)",
			c.MaxAccuracyM, c.MinAccuracyM)
	}
	if c.MaxTimeDiffMs <= 0 {
		return fail("max_time_diff_ms must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fail("queue_capacity must be positive")
	}
	if c.CorrelationWindowMs <= 0 {
		return fail("correlation_window_ms must be positive")
	}
	if c.MinCorrectionIntervalMs < 0 {
		return fail("min_correction_interval_ms must not be negative")
	}
	if c.StatisticalWindow <= 0 {
		return fail("statistical_window must be positive")
	}
	if c.ZThreshold <= 0 || c.ThresholdFactor <= 0 {
		return fail("z_threshold and threshold_factor must be positive")
	}

	t := c.AnomalyThresholds
	if t.MaxTimeDiffMs <= 0 || t.MaxSpeedMS <= 0 || t.MaxDistanceM <= 0 {
		return fail("anomaly thresholds must be positive")
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return fail("anomaly min_confidence must be in [0, 1]")
	}

	if c.EnableBatching && c.BatchSize <= 0 {
		return fail("batch_size must be positive when batching is enabled")
	}
	if c.EnableCaching && c.CacheSize <= 0 {
		return fail("cache_size must be positive when caching is enabled")
	}

	for scene, sc := range c.SceneConfigs {
		switch sc.Strategy {
		case "", pkg.StrategyPriority, pkg.StrategyWeightedAverage,
			pkg.StrategyFootprintCoherence, pkg.StrategyAdaptive:
		default:
			return fail("scene %q has unknown strategy %q", scene, sc.Strategy)
		}
		if sc.MinRequiredSources < 0 {
			return fail("scene %q min_required_sources must not be negative", scene)
		}
		for source, w := range sc.SourceWeights {
			if w < 0 {
				return fail("scene %q weight for %q must not be negative", scene, source)
			}
		}
	}

	switch c.Store.Backend {
	case "", "memory", "file", "sqlite", "bolt":
	default:
		return fail("unknown store backend %q", c.Store.Backend)
	}

	if c.Google.Enabled && c.Google.APIKey == "" {
		return fail("google geolocation enabled without an api key")
	}
	return nil
}

// MinCorrectionInterval returns the debounce interval adjusted for the
// active correction mode
func (c *Config) MinCorrectionInterval() time.Duration {
	base := time.Duration(c.MinCorrectionIntervalMs) * time.Millisecond
	switch c.Mode {
	case pkg.ModeHighAccuracy:
		return base / 2
	case pkg.ModeFastUpdate:
		return base / 4
	case pkg.ModeLowPower:
		return base * 4
	default:
		return base
	}
}

// CorrelationWindow returns the slot correlation window
func (c *Config) CorrelationWindow() time.Duration {
	return time.Duration(c.CorrelationWindowMs) * time.Millisecond
}

// SceneCheckInterval returns the scene classification cadence
func (c *Config) SceneCheckInterval() time.Duration {
	return time.Duration(c.SceneCheckIntervalMs) * time.Millisecond
}

// BatchTimeout returns the batch flush deadline
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}

// CacheTimeout returns the corrected-fix cache TTL
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutMs) * time.Millisecond
}

// MaxTimeDiff returns the staleness limit
func (c *Config) MaxTimeDiff() time.Duration {
	return time.Duration(c.MaxTimeDiffMs) * time.Millisecond
}

// Clone returns a deep copy so updates can be prepared off to the side
// and swapped in atomically
func (c *Config) Clone() *Config {
	out := *c
	if c.SceneConfigs != nil {
		out.SceneConfigs = make(map[pkg.Scene]pkg.SceneConfig, len(c.SceneConfigs))
		for k, v := range c.SceneConfigs {
			sc := v
			if v.SourceWeights != nil {
				sc.SourceWeights = make(map[pkg.SourceType]float64, len(v.SourceWeights))
				for sk, sv := range v.SourceWeights {
					sc.SourceWeights[sk] = sv
				}
			}
			if v.SourcePriorities != nil {
				sc.SourcePriorities = make(map[pkg.SourceType]int, len(v.SourcePriorities))
				for sk, sv := range v.SourcePriorities {
					sc.SourcePriorities[sk] = sv
				}
			}
			out.SceneConfigs[k] = sc
		}
	}
	if c.AlgorithmParams != nil {
		out.AlgorithmParams = make(map[string]float64, len(c.AlgorithmParams))
		for k, v := range c.AlgorithmParams {
			out.AlgorithmParams[k] = v
		}
	}
	return &out
}
