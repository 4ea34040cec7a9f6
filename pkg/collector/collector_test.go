package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func TestSimulatedProducerEmits(t *testing.T) {
	sim := NewSimulated(SimulatedConfig{
		Kind:      pkg.SourceGNSS,
		Interval:  20 * time.Millisecond,
		StartLat:  39.9042,
		StartLon:  116.4074,
		AccuracyM: 5,
		Seed:      7,
	}, testLogger())

	var mu sync.Mutex
	var got []pkg.Fix
	sim.OnUpdate(func(fix pkg.Fix) {
		mu.Lock()
		got = append(got, fix)
		mu.Unlock()
	})

	require.NoError(t, sim.Start())
	defer sim.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(got), 3)
	for _, fix := range got {
		assert.True(t, fix.IsValid(), "emitted fix must be valid")
		assert.Equal(t, pkg.SourceGNSS, fix.Source)
		// Jitter stays within a couple of accuracy radii of the seed
		assert.InDelta(t, 39.9042, fix.Latitude, 0.01)
	}

	latest, ok := sim.Latest()
	assert.True(t, ok)
	assert.Equal(t, pkg.SourceGNSS, latest.Source)
	assert.True(t, sim.Health().Available)
	assert.Greater(t, sim.Health().SuccessCount, 0)
}

func TestSimulatedStopIsIdempotent(t *testing.T) {
	sim := NewSimulated(SimulatedConfig{
		Kind: pkg.SourceWiFi, Interval: 10 * time.Millisecond,
		StartLat: 39.9, StartLon: 116.4, AccuracyM: 20,
	}, testLogger())

	require.NoError(t, sim.Start())
	sim.Stop()
	sim.Stop()

	// Restart after stop works
	require.NoError(t, sim.Start())
	sim.Stop()
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(testLogger())

	gnss := NewSimulated(SimulatedConfig{
		Kind: pkg.SourceGNSS, Interval: 10 * time.Millisecond,
		StartLat: 39.9, StartLon: 116.4, AccuracyM: 5,
	}, testLogger())
	wifi := NewSimulated(SimulatedConfig{
		Kind: pkg.SourceWiFi, Interval: 10 * time.Millisecond,
		StartLat: 39.9, StartLon: 116.4, AccuracyM: 20,
	}, testLogger())

	reg.Register(gnss)
	reg.Register(wifi)
	assert.Len(t, reg.All(), 2)

	got, ok := reg.Get(pkg.SourceGNSS)
	require.True(t, ok)
	assert.Equal(t, gnss.Name(), got.Name())

	require.NoError(t, reg.StartAll())
	time.Sleep(50 * time.Millisecond)

	health := reg.HealthStatus()
	assert.Contains(t, health, pkg.SourceGNSS)
	assert.Contains(t, health, pkg.SourceWiFi)

	reg.StopAll()
	assert.True(t, reg.Unregister(pkg.SourceGNSS))
	assert.False(t, reg.Unregister(pkg.SourceGNSS))
	assert.Len(t, reg.All(), 1)
}

func TestRegistryReplacesSameKind(t *testing.T) {
	reg := NewRegistry(testLogger())

	first := NewSimulated(SimulatedConfig{
		Kind: pkg.SourceGNSS, SourceID: "gnss-a",
		StartLat: 39.9, StartLon: 116.4, AccuracyM: 5,
	}, testLogger())
	second := NewSimulated(SimulatedConfig{
		Kind: pkg.SourceGNSS, SourceID: "gnss-b",
		StartLat: 39.9, StartLon: 116.4, AccuracyM: 5,
	}, testLogger())

	reg.Register(first)
	reg.Register(second)

	got, ok := reg.Get(pkg.SourceGNSS)
	require.True(t, ok)
	assert.Equal(t, "gnss-b", got.Name())
	assert.Len(t, reg.All(), 1)
}
