package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
	"github.com/locuskit/locus/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func validFix(lat, lon, acc float64, ts int64) pkg.Fix {
	return pkg.Fix{
		Latitude: lat, Longitude: lon, Accuracy: acc,
		Timestamp: ts, Source: pkg.SourceGNSS, SourceID: "test",
		Status: pkg.StatusValid,
	}
}

func TestAccuracyFilterAnnotatesWithoutSuppressing(t *testing.T) {
	f := NewAccuracyFilter(1, 50, 10)

	good, err := f.Process(validFix(39.9, 116.4, 10, 1000))
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusValid, good.Status)

	bad, err := f.Process(validFix(39.9, 116.4, 500, 1000))
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusLowAccuracy, bad.Status)
	// Annotated, not suppressed: coordinates intact
	assert.Equal(t, 39.9, bad.Latitude)
}

func TestStalenessFilterInvalidatesOldFixes(t *testing.T) {
	now := time.UnixMilli(200000)
	f := NewStalenessFilter(60*time.Second, 20, func() time.Time { return now })

	// 120 s old with a 60 s limit: invalid
	stale, err := f.Process(validFix(39.9, 116.4, 10, 200000-120000))
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusInvalid, stale.Status)

	fresh, err := f.Process(validFix(39.9, 116.4, 10, 200000-1000))
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusValid, fresh.Status)
}

func TestStatisticalOutlierFlagsTeleport(t *testing.T) {
	o := NewStatisticalOutlier(50, 2.0, 30)

	// Ten fixes jittering within half a metre of one spot
	base := validFix(39.9, 116.4, 10, 0)
	for i := 0; i < 10; i++ {
		lat, lon := geo.DestinationPoint(39.9, 116.4, float64(i*36), 0.5)
		fix := base
		fix.Latitude, fix.Longitude = lat, lon
		fix.Timestamp = int64(1000 * (i + 1))
		out, err := o.Process(fix)
		require.NoError(t, err)
		assert.Equal(t, pkg.StatusValid, out.Status, "fix %d", i)
	}
	assert.Equal(t, 10, len(o.HistorySnapshot()))

	// One-degree teleport
	tele := validFix(40.9, 117.4, 10, 12000)
	out, err := o.Process(tele)
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusAnomaly, out.Status)

	// The anomaly never entered history
	assert.Equal(t, 10, len(o.HistorySnapshot()))
	for _, h := range o.HistorySnapshot() {
		assert.NotEqual(t, pkg.StatusAnomaly, h.Status)
	}
}

func TestStatisticalOutlierPassesBeforeMinSamples(t *testing.T) {
	o := NewStatisticalOutlier(50, 2.0, 30)

	// Under five samples everything passes and populates history, even
	// a wild jump
	out, err := o.Process(validFix(39.9, 116.4, 10, 1000))
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusValid, out.Status)

	out, err = o.Process(validFix(45.0, 120.0, 10, 2000))
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusValid, out.Status)
	assert.Equal(t, 2, len(o.HistorySnapshot()))
}

func TestCoordinateTransformInRegionAndIdempotent(t *testing.T) {
	tr := NewCoordinateTransform(geo.DatumWGS84, geo.DatumGCJ02, 40)

	in := validFix(39.9042, 116.4074, 10, 1000)
	once, err := tr.Process(in)
	require.NoError(t, err)
	assert.NotEqual(t, in.Latitude, once.Latitude)
	assert.Equal(t, string(geo.DatumGCJ02), once.Attributes["datum"])

	// A second pass is the identity
	twice, err := tr.Process(once)
	require.NoError(t, err)
	assert.Equal(t, once.Latitude, twice.Latitude)
	assert.Equal(t, once.Longitude, twice.Longitude)
}

func TestCoordinateTransformOutsideRegion(t *testing.T) {
	tr := NewCoordinateTransform(geo.DatumWGS84, geo.DatumGCJ02, 40)

	in := validFix(37.7749, -122.4194, 10, 1000)
	out, err := tr.Process(in)
	require.NoError(t, err)
	assert.Equal(t, in.Latitude, out.Latitude)
	assert.Equal(t, in.Longitude, out.Longitude)
}

func TestChainOrderAndIdempotence(t *testing.T) {
	now := time.Now()
	chain := NewChain(testLogger())
	// Added out of order on purpose; priority decides invocation order
	chain.Add(NewCoordinateTransform(geo.DatumWGS84, geo.DatumGCJ02, 40))
	chain.Add(NewAccuracyFilter(1, 100, 10))
	chain.Add(NewStatisticalOutlier(50, 2.0, 30))
	chain.Add(NewStalenessFilter(time.Minute, 20, func() time.Time { return now }))

	stages := chain.Stages()
	require.Len(t, stages, 4)
	assert.Equal(t, "accuracy_filter", stages[0].Name())
	assert.Equal(t, "staleness_filter", stages[1].Name())
	assert.Equal(t, "statistical_outlier", stages[2].Name())
	assert.Equal(t, "coordinate_transform", stages[3].Name())

	fix := validFix(39.9042, 116.4074, 10, now.UnixMilli())
	once, err := chain.Process(fix)
	require.NoError(t, err)

	// Running the chain again on its own output changes nothing
	twice, err := chain.Process(once)
	require.NoError(t, err)
	assert.Equal(t, once.Latitude, twice.Latitude)
	assert.Equal(t, once.Longitude, twice.Longitude)
	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, once.Attributes, twice.Attributes)
}

func TestChainSkipsDisabledStages(t *testing.T) {
	chain := NewChain(testLogger())
	acc := NewAccuracyFilter(1, 50, 10)
	acc.SetEnabled(false)
	chain.Add(acc)

	out, err := chain.Process(validFix(39.9, 116.4, 500, 1000))
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusValid, out.Status)
}

func TestChainRemoveAndGet(t *testing.T) {
	chain := NewChain(testLogger())
	chain.Add(NewAccuracyFilter(1, 50, 10))

	assert.NotNil(t, chain.Get("accuracy_filter"))
	assert.True(t, chain.Remove("accuracy_filter"))
	assert.False(t, chain.Remove("accuracy_filter"))
	assert.Nil(t, chain.Get("accuracy_filter"))
}
