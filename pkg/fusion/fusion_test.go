package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
	"github.com/locuskit/locus/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func fix(source pkg.SourceType, lat, lon, acc float64, ts int64) pkg.Fix {
	return pkg.Fix{
		Latitude: lat, Longitude: lon, Accuracy: acc,
		Timestamp: ts, Source: source, SourceID: string(source),
		Status: pkg.StatusValid,
	}
}

func TestWeightedAverageAccuracyBased(t *testing.T) {
	w := NewWeightedAverage(WeightAccuracy, nil)

	sat := fix(pkg.SourceGNSS, 39.9042, 116.4074, 5, 1000)
	wifi := fix(pkg.SourceWiFi, 39.9043, 116.4076, 20, 1050)

	result, err := w.Fuse([]pkg.Fix{sat, wifi})
	require.NoError(t, err)

	// Inverse-accuracy weights: sat 0.8, wifi 0.2
	assert.InDelta(t, 39.90422, result.Latitude, 1e-6)
	assert.InDelta(t, 116.40744, result.Longitude, 1e-6)
	assert.Equal(t, int64(1050), result.Timestamp)
	// Harmonic-mean accuracy: 1/(0.8/5 + 0.2/20)
	assert.InDelta(t, 5.882, result.Accuracy, 0.01)
	assert.Equal(t, 2, result.SourceCount)
}

func TestWeightedAverageEqualWeights(t *testing.T) {
	w := NewWeightedAverage(WeightEqual, nil)

	a := fix(pkg.SourceGNSS, 39.0, 116.0, 10, 1000)
	b := fix(pkg.SourceWiFi, 40.0, 117.0, 10, 2000)

	result, err := w.Fuse([]pkg.Fix{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 39.5, result.Latitude, 1e-9)
	assert.InDelta(t, 116.5, result.Longitude, 1e-9)
}

func TestWeightedAverageCustomZeroWeightsFallBack(t *testing.T) {
	w := NewWeightedAverage(WeightCustom, map[pkg.SourceType]float64{
		pkg.SourceGNSS: 0,
		pkg.SourceWiFi: 0,
	})

	a := fix(pkg.SourceGNSS, 39.0, 116.0, 10, 1000)
	b := fix(pkg.SourceWiFi, 40.0, 117.0, 10, 2000)

	// Degenerate zero total weight degrades to the arithmetic mean
	result, err := w.Fuse([]pkg.Fix{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 39.5, result.Latitude, 1e-9)
}

func TestFusedCoordinateWithinBoundingBox(t *testing.T) {
	w := NewWeightedAverage(WeightAccuracy, nil)
	fixes := []pkg.Fix{
		fix(pkg.SourceGNSS, 39.90, 116.40, 3, 1000),
		fix(pkg.SourceWiFi, 39.91, 116.41, 25, 1100),
		fix(pkg.SourceCellular, 39.92, 116.42, 150, 1200),
	}
	result, err := w.Fuse(fixes)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.Latitude, 39.90)
	assert.LessOrEqual(t, result.Latitude, 39.92)
	assert.GreaterOrEqual(t, result.Longitude, 116.40)
	assert.LessOrEqual(t, result.Longitude, 116.42)
	assert.Equal(t, int64(1200), result.Timestamp)
	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)
}

func TestPriorityBasedSelection(t *testing.T) {
	p := NewPriorityBased(nil)

	sat := fix(pkg.SourceGNSS, 39.9042, 116.4074, 5, 1000)
	wifi := fix(pkg.SourceWiFi, 39.9143, 116.4176, 20, 1050)

	result, err := p.Fuse([]pkg.Fix{wifi, sat})
	require.NoError(t, err)

	assert.Equal(t, sat.Latitude, result.Latitude)
	assert.Equal(t, sat.Longitude, result.Longitude)
	assert.Equal(t, "gnss", result.Details["selected_source"])
	// gnss priority 100 of max 100
	assert.Equal(t, 1.0, result.Confidence)
	// Output time is still the max contributor time
	assert.Equal(t, int64(1050), result.Timestamp)
}

func TestPriorityTieBreaksByAccuracyThenRecency(t *testing.T) {
	p := NewPriorityBased(map[pkg.SourceType]int{
		pkg.SourceGNSS: 50, pkg.SourceWiFi: 50,
	})

	coarse := fix(pkg.SourceGNSS, 39.1, 116.1, 30, 1000)
	fine := fix(pkg.SourceWiFi, 39.2, 116.2, 5, 900)

	result, err := p.Fuse([]pkg.Fix{coarse, fine})
	require.NoError(t, err)
	assert.Equal(t, fine.Latitude, result.Latitude)
}

func TestFootprintCoherenceIsolatesOutlier(t *testing.T) {
	// A and B overlap heavily; C is disjoint from both
	a := fix(pkg.SourceGNSS, 39.9042, 116.4074, 30, 1000)
	bLat, bLon := geo.DestinationPoint(39.9042, 116.4074, 90, 5)
	b := fix(pkg.SourceWiFi, bLat, bLon, 30, 1050)
	cLat, cLon := geo.DestinationPoint(39.9042, 116.4074, 90, 5000)
	c := fix(pkg.SourceCellular, cLat, cLon, 30, 1100)

	f := NewFootprintCoherence(0.7, 200, 2)
	result, err := f.Fuse([]pkg.Fix{a, b, c})
	require.NoError(t, err)

	assert.Equal(t, "2/3", result.Details["coherent_sources"])
	// The fused point stays inside the A/B neighbourhood, far from C
	assert.Less(t, geo.Distance(result.Latitude, result.Longitude, a.Latitude, a.Longitude), 10.0)
	assert.Greater(t, geo.Distance(result.Latitude, result.Longitude, c.Latitude, c.Longitude), 4000.0)
}

func TestFootprintCoherenceFallsBackWhenDisjoint(t *testing.T) {
	a := fix(pkg.SourceGNSS, 39.9042, 116.4074, 10, 1000)
	bLat, bLon := geo.DestinationPoint(39.9042, 116.4074, 90, 5000)
	b := fix(pkg.SourceWiFi, bLat, bLon, 10, 1050)

	f := NewFootprintCoherence(0.7, 200, 2)
	result, err := f.Fuse([]pkg.Fix{a, b})
	require.NoError(t, err)

	// No coherent subset: all valid fixes fuse with reduced confidence
	assert.Equal(t, 2, result.SourceCount)
	assert.LessOrEqual(t, result.Confidence, 0.5)
}

func TestEngineSingleSourcePassThrough(t *testing.T) {
	e := NewEngine(pkg.StrategyWeightedAverage, nil, testLogger())

	sat := fix(pkg.SourceGNSS, 39.9042, 116.4074, 5, 1000)
	result, err := e.Fuse([]pkg.Fix{sat}, pkg.SceneUnknown)
	require.NoError(t, err)

	assert.Equal(t, sat.Latitude, result.Latitude)
	assert.Equal(t, sat.Longitude, result.Longitude)
	assert.Equal(t, "single_source", result.Method)
	// gnss holds the top default priority
	assert.Equal(t, 1.0, result.Confidence)
}

func TestEngineAdaptiveUsesScenePolicy(t *testing.T) {
	sceneConfigs := map[pkg.Scene]pkg.SceneConfig{
		pkg.SceneDriving: {
			Strategy: pkg.StrategyPriority,
			SourcePriorities: map[pkg.SourceType]int{
				pkg.SourceGNSS: 100, pkg.SourceWiFi: 10,
			},
		},
	}
	e := NewEngine(pkg.StrategyAdaptive, sceneConfigs, testLogger())

	sat := fix(pkg.SourceGNSS, 39.9042, 116.4074, 5, 1000)
	wifi := fix(pkg.SourceWiFi, 39.9143, 116.4176, 20, 1050)

	result, err := e.Fuse([]pkg.Fix{sat, wifi}, pkg.SceneDriving)
	require.NoError(t, err)

	// The driving policy picks the satellite fix and the method tag
	// names the policy
	assert.Equal(t, sat.Latitude, result.Latitude)
	assert.Equal(t, "adaptive(driving)/priority", result.Method)
	assert.Equal(t, "driving", result.Details["scene"])
}

func TestEngineAdaptiveFallsBackToWeighted(t *testing.T) {
	e := NewEngine(pkg.StrategyAdaptive, nil, testLogger())

	sat := fix(pkg.SourceGNSS, 39.9042, 116.4074, 5, 1000)
	wifi := fix(pkg.SourceWiFi, 39.9043, 116.4076, 20, 1050)

	result, err := e.Fuse([]pkg.Fix{sat, wifi}, pkg.SceneWalking)
	require.NoError(t, err)
	assert.Equal(t, "adaptive(walking)/weighted_average", result.Method)
	assert.InDelta(t, 39.90422, result.Latitude, 1e-6)
}

func TestEngineEmptyInput(t *testing.T) {
	e := NewEngine(pkg.StrategyWeightedAverage, nil, testLogger())
	_, err := e.Fuse(nil, pkg.SceneUnknown)
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestEngineMinRequiredSources(t *testing.T) {
	e := NewEngine(pkg.StrategyAdaptive, map[pkg.Scene]pkg.SceneConfig{
		pkg.SceneDriving: {MinRequiredSources: 3},
	}, testLogger())

	assert.Equal(t, 3, e.MinRequiredSources(pkg.SceneDriving))
	assert.Equal(t, 2, e.MinRequiredSources(pkg.SceneWalking))
}
