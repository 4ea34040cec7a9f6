package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locuskit/locus/pkg"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"accuracy band inverted", func(c *Config) { c.MinAccuracyM = 50; c.MaxAccuracyM = 10 }},
		{"unknown strategy", func(c *Config) { c.FusionStrategy = "magic" }},
		{"unknown mode", func(c *Config) { c.Mode = "turbo" }},
		{"zero queue", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero correlation window", func(c *Config) { c.CorrelationWindowMs = 0 }},
		{"negative debounce", func(c *Config) { c.MinCorrectionIntervalMs = -5 }},
		{"zero statistical window", func(c *Config) { c.StatisticalWindow = 0 }},
		{"zero z threshold", func(c *Config) { c.ZThreshold = 0 }},
		{"bad anomaly thresholds", func(c *Config) { c.AnomalyThresholds.MaxSpeedMS = 0 }},
		{"confidence out of range", func(c *Config) { c.AnomalyThresholds.MinConfidence = 1.5 }},
		{"batching without size", func(c *Config) { c.EnableBatching = true; c.BatchSize = 0 }},
		{"caching without size", func(c *Config) { c.EnableCaching = true; c.CacheSize = 0 }},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "tape" }},
		{"google without api key", func(c *Config) { c.Google.Enabled = true }},
		{"bad scene strategy", func(c *Config) {
			c.SceneConfigs = map[pkg.Scene]pkg.SceneConfig{
				pkg.SceneDriving: {Strategy: "warp"},
			}
		}},
		{"negative scene weight", func(c *Config) {
			c.SceneConfigs = map[pkg.Scene]pkg.SceneConfig{
				pkg.SceneDriving: {SourceWeights: map[pkg.SourceType]float64{pkg.SourceGNSS: -1}},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidConfig)
		})
	}
}

func TestModeScalesCorrectionInterval(t *testing.T) {
	cfg := Default()
	cfg.MinCorrectionIntervalMs = 1000

	cfg.Mode = pkg.ModeNormal
	assert.Equal(t, time.Second, cfg.MinCorrectionInterval())
	cfg.Mode = pkg.ModeHighAccuracy
	assert.Equal(t, 500*time.Millisecond, cfg.MinCorrectionInterval())
	cfg.Mode = pkg.ModeFastUpdate
	assert.Equal(t, 250*time.Millisecond, cfg.MinCorrectionInterval())
	cfg.Mode = pkg.ModeLowPower
	assert.Equal(t, 4*time.Second, cfg.MinCorrectionInterval())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"fusion_strategy": "priority",
		"queue_capacity": 42,
		"scene_configs": {
			"driving": {
				"strategy": "priority",
				"source_priorities": {"gnss": 100, "wifi": 10},
				"min_required_sources": 2
			}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, pkg.StrategyPriority, cfg.FusionStrategy)
	assert.Equal(t, 42, cfg.QueueCapacity)
	assert.Equal(t, 100, cfg.SceneConfigs[pkg.SceneDriving].SourcePriorities[pkg.SourceGNSS])
	// Untouched fields keep their defaults
	assert.Equal(t, int64(500), cfg.CorrelationWindowMs)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue_capacity": -1}`), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, pkg.ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	cfg := Default()
	cfg.SceneConfigs = map[pkg.Scene]pkg.SceneConfig{
		pkg.SceneDriving: {SourceWeights: map[pkg.SourceType]float64{pkg.SourceGNSS: 1}},
	}

	clone := cfg.Clone()
	clone.SceneConfigs[pkg.SceneDriving].SourceWeights[pkg.SourceGNSS] = 99
	clone.AlgorithmParams["smoothingFactor"] = 0.1

	assert.Equal(t, 1.0, cfg.SceneConfigs[pkg.SceneDriving].SourceWeights[pkg.SourceGNSS])
	assert.Equal(t, 0.7, cfg.AlgorithmParams["smoothingFactor"])
}
