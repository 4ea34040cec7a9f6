package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
	"github.com/locuskit/locus/pkg/logx"
)

func validFix(lat, lon, acc float64, ts int64) pkg.Fix {
	return pkg.Fix{
		Latitude: lat, Longitude: lon, Accuracy: acc,
		Timestamp: ts, Source: pkg.SourceGNSS, SourceID: "test",
		Status: pkg.StatusValid,
	}
}

// clusterContext builds n fixes spread within about 100 m, one second
// apart starting at startTs
func clusterContext(n int, startTs int64) []pkg.Fix {
	out := make([]pkg.Fix, 0, n)
	for i := 0; i < n; i++ {
		lat, lon := geo.DestinationPoint(39.9, 116.4, float64(i*37), float64(5+i*7))
		out = append(out, validFix(lat, lon, 10, startTs+int64(i)*1000))
	}
	return out
}

func TestTimeGapDetector(t *testing.T) {
	now := time.UnixMilli(1000000)
	d := NewTimeGapDetector(time.Minute, func() time.Time { return now })

	fresh := d.Detect(validFix(39.9, 116.4, 10, 1000000-5000), nil)
	assert.False(t, fresh.IsAnomaly)

	stale := d.Detect(validFix(39.9, 116.4, 10, 1000000-120000), nil)
	assert.True(t, stale.IsAnomaly)
	assert.Equal(t, 1.0, stale.Confidence)
}

func TestSpeedDetectorFlagsTeleport(t *testing.T) {
	d := NewSpeedDetector(70)
	context := clusterContext(10, 1000)
	last := context[len(context)-1]

	// One degree in one second is far beyond 70 m/s
	teleport := validFix(last.Latitude+1, last.Longitude+1, 10, last.Timestamp+1000)
	v := d.Detect(teleport, context)
	require.True(t, v.IsAnomaly)
	assert.Equal(t, 1.0, v.Confidence)

	// Ordinary walking speed passes
	lat, lon := geo.DestinationPoint(last.Latitude, last.Longitude, 90, 1.5)
	walk := validFix(lat, lon, 10, last.Timestamp+1000)
	assert.False(t, d.Detect(walk, context).IsAnomaly)
}

func TestSpeedDetectorNoContext(t *testing.T) {
	d := NewSpeedDetector(70)
	assert.False(t, d.Detect(validFix(39.9, 116.4, 10, 1000), nil).IsAnomaly)
}

func TestAccelerationDetector(t *testing.T) {
	d := NewAccelerationDetector(10)

	v0, v1 := 1.0, 80.0
	prev := validFix(39.9, 116.4, 10, 1000)
	prev.Speed = &v0
	cur := validFix(39.9001, 116.4001, 10, 2000)
	cur.Speed = &v1

	// 79 m/s gained in one second
	v := d.Detect(cur, []pkg.Fix{prev})
	assert.True(t, v.IsAnomaly)

	steady := validFix(39.9001, 116.4001, 10, 2000)
	v2 := 2.0
	steady.Speed = &v2
	assert.False(t, d.Detect(steady, []pkg.Fix{prev}).IsAnomaly)
}

func TestStatisticalDetectorEmptyContext(t *testing.T) {
	d := NewStatisticalDetector(50, 2.0)
	// Empty history reports not-anomaly; Detect never writes the window
	v := d.Detect(validFix(39.9, 116.4, 10, 1000), nil)
	assert.False(t, v.IsAnomaly)
	assert.Equal(t, 0, d.WindowLen())
}

func TestStatisticalDetectorFlagsDeviation(t *testing.T) {
	d := NewStatisticalDetector(50, 2.0)
	for _, f := range clusterContext(20, 1000) {
		d.Observe(f)
	}
	baseline := d.WindowLen()
	require.GreaterOrEqual(t, baseline, 5)

	outlier := validFix(40.9, 117.4, 10, 30000)
	v := d.Detect(outlier, nil)
	assert.True(t, v.IsAnomaly)

	// Detection leaves the window untouched
	assert.Equal(t, baseline, d.WindowLen())
}

func TestStatisticalObserveRefusesAnomalies(t *testing.T) {
	d := NewStatisticalDetector(50, 2.0)
	bad := validFix(39.9, 116.4, 10, 1000)
	bad.Status = pkg.StatusAnomaly
	d.Observe(bad)
	assert.Equal(t, 0, d.WindowLen())
}

func TestPatternDetector(t *testing.T) {
	source := pkg.SourceGNSS
	minAcc := 50.0
	d := NewPatternDetector([]Pattern{{
		Name:        "urban-multipath",
		Source:      &source,
		MinAccuracy: &minAcc,
		Region: &BoundingRegion{
			MinLat: 39.8, MaxLat: 40.0, MinLon: 116.3, MaxLon: 116.5,
		},
		Attributes: map[string]string{"multipath": "suspected"},
	}}, 0.7)

	match := validFix(39.9, 116.4, 80, 1000)
	match.Attributes = map[string]string{"multipath": "suspected"}
	// region 0.3 + source 0.2 + accuracy 0.2 + attribute 0.05 = 0.75
	v := d.Detect(match, nil)
	require.True(t, v.IsAnomaly)
	assert.InDelta(t, 0.75, v.Confidence, 1e-9)
	assert.Equal(t, "urban-multipath", v.Info["pattern"])

	// Outside the region the similarity falls below threshold
	miss := validFix(30.0, 100.0, 80, 1000)
	miss.Attributes = map[string]string{"multipath": "suspected"}
	assert.False(t, d.Detect(miss, nil).IsAnomaly)
}

func TestCompositeMajority(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	context := clusterContext(10, 1000)
	last := context[len(context)-1]

	stat := NewStatisticalDetector(50, 2.0)
	c := NewComposite([]Detector{
		NewSpeedDetector(70),
		stat,
	}, CompositeConfig{Rule: FuseMajority, MinVotes: 2}, logger)

	// Warm the statistical baseline with the accepted history
	for _, f := range context {
		stat.Observe(f)
	}

	teleport := validFix(last.Latitude+1, last.Longitude+1, 10, last.Timestamp+1000)
	v := c.Detect(teleport, context)
	assert.True(t, v.IsAnomaly)
	assert.Contains(t, v.Info, "speed")

	// A single agreeing detector is below the vote quorum
	single := NewComposite([]Detector{NewSpeedDetector(70)},
		CompositeConfig{Rule: FuseMajority, MinVotes: 2}, logger)
	assert.False(t, single.Detect(teleport, context).IsAnomaly)
}

func TestCompositeThreshold(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	context := clusterContext(10, 1000)
	last := context[len(context)-1]

	c := NewComposite([]Detector{NewSpeedDetector(70)},
		CompositeConfig{Rule: FuseThreshold, Threshold: 0.5}, logger)

	teleport := validFix(last.Latitude+1, last.Longitude+1, 10, last.Timestamp+1000)
	v := c.Detect(teleport, context)
	assert.True(t, v.IsAnomaly)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestCompositeWeighted(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	context := clusterContext(10, 1000)
	last := context[len(context)-1]

	c := NewComposite([]Detector{
		NewSpeedDetector(70),
		NewTimeGapDetector(time.Hour, func() time.Time { return time.UnixMilli(last.Timestamp + 1000) }),
	}, CompositeConfig{
		Rule:      FuseWeighted,
		Threshold: 0.4,
		Weights:   map[string]float64{"speed": 3, "time_gap": 1},
	}, logger)

	teleport := validFix(last.Latitude+1, last.Longitude+1, 10, last.Timestamp+1000)
	// The time-gap clock reads the teleport's capture time, so only
	// speed fires: 3*1.0 over total weight 4 = 0.75 >= 0.4
	v := c.Detect(teleport, context)
	assert.True(t, v.IsAnomaly)
	assert.InDelta(t, 0.75, v.Confidence, 1e-9)
}

type panicDetector struct{}

func (panicDetector) Name() string { return "panicky" }
func (panicDetector) Detect(pkg.Fix, []pkg.Fix) Verdict {
	panic("detector bug")
}

func TestCompositeContainsDetectorPanic(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	c := NewComposite([]Detector{panicDetector{}},
		CompositeConfig{Rule: FuseThreshold, Threshold: 0.5}, logger)

	assert.NotPanics(t, func() {
		v := c.Detect(validFix(39.9, 116.4, 10, 1000), nil)
		assert.False(t, v.IsAnomaly)
	})
}

func TestCompositeAddRemove(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	c := NewComposite(nil, DefaultCompositeConfig(), logger)
	c.Add(NewSpeedDetector(70))
	assert.True(t, c.Remove("speed"))
	assert.False(t, c.Remove("speed"))
}
