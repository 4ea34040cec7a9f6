package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

func sampleFix(ts int64) pkg.Fix {
	alt := 43.5
	return pkg.Fix{
		Latitude:  39.9042,
		Longitude: 116.4074,
		Altitude:  &alt,
		Accuracy:  5.5,
		Timestamp: ts,
		Source:    pkg.SourceGNSS,
		SourceID:  "gnss-0",
		Status:    pkg.StatusValid,
		Attributes: map[string]string{
			"satellites": "12",
			"hdop":       "0.8",
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	fix := sampleFix(1722600000123)
	line := EncodeFix(fix)

	decoded, err := DecodeFix(line)
	require.NoError(t, err)

	assert.Equal(t, fix.Timestamp, decoded.Timestamp)
	assert.Equal(t, fix.Latitude, decoded.Latitude)
	assert.Equal(t, fix.Longitude, decoded.Longitude)
	require.NotNil(t, decoded.Altitude)
	assert.Equal(t, *fix.Altitude, *decoded.Altitude)
	assert.Equal(t, fix.Accuracy, decoded.Accuracy)
	assert.Equal(t, fix.Source, decoded.Source)
	assert.Equal(t, fix.Status, decoded.Status)
	assert.Equal(t, fix.Attributes, decoded.Attributes)
}

func TestCodecAbsentAltitude(t *testing.T) {
	fix := sampleFix(1000)
	fix.Altitude = nil
	fix.Attributes = nil

	decoded, err := DecodeFix(EncodeFix(fix))
	require.NoError(t, err)
	assert.Nil(t, decoded.Altitude)
	assert.Nil(t, decoded.Attributes)
}

func TestCodecTolerantOfUnknownExtras(t *testing.T) {
	line := "1000,39.9,116.4,,10,gnss,valid,[future_field:whatever],[x:y]"
	decoded, err := DecodeFix(line)
	require.NoError(t, err)
	assert.Equal(t, "whatever", decoded.Attributes["future_field"])
	assert.Equal(t, "y", decoded.Attributes["x"])
}

func TestCodecRejectsMalformedFixedFields(t *testing.T) {
	bad := []string{
		"",
		"1000,39.9,116.4",                     // too few fields
		"abc,39.9,116.4,,10,gnss,valid",       // bad time
		"1000,north,116.4,,10,gnss,valid",     // bad lat
		"1000,39.9,east,,10,gnss,valid",       // bad lon
		"1000,39.9,116.4,high,10,gnss,valid",  // bad alt
		"1000,39.9,116.4,,ten,gnss,valid",     // bad acc
		"1000,39.9,116.4,,10,,valid",          // empty source
		"1000,39.9,116.4,,10,gnss,",           // empty status
	}
	for _, line := range bad {
		_, err := DecodeFix(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestMemoryStoreBasics(t *testing.T) {
	m := NewMemoryStore(100)
	require.NoError(t, m.Init())

	_, ok := m.Latest()
	assert.False(t, ok)

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, m.Save(sampleFix(i*1000)))
	}

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(10000), latest.Timestamp)

	ranged, err := m.QueryByTime(3000, 6000)
	require.NoError(t, err)
	assert.Len(t, ranged, 4)

	recent, err := m.Recent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(8000), recent[0].Timestamp)
	assert.Equal(t, int64(10000), recent[2].Timestamp)

	require.NoError(t, m.Clear())
	assert.Equal(t, 0, m.Len())
}

func TestMemoryStoreDropsOldestAtCapacity(t *testing.T) {
	m := NewMemoryStore(5)
	require.NoError(t, m.Init())

	for i := int64(1); i <= 8; i++ {
		require.NoError(t, m.Save(sampleFix(i * 1000)))
	}
	assert.Equal(t, 5, m.Len())

	recent, err := m.Recent(5)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), recent[0].Timestamp)
	assert.Equal(t, int64(8000), recent[4].Timestamp)
}

func TestMemoryStoreClosed(t *testing.T) {
	m := NewMemoryStore(10)
	require.NoError(t, m.Init())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Save(sampleFix(1000)), pkg.ErrStoreClosed)
	_, err := m.Recent(1)
	assert.ErrorIs(t, err, pkg.ErrStoreClosed)
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(FileStoreConfig{
		Path: filepath.Join(dir, "history.log"),
	}, logx.NewLogger("error", "test"))
	require.NoError(t, fs.Init())
	defer fs.Close()

	fixes := []pkg.Fix{sampleFix(1000), sampleFix(2000), sampleFix(3000)}
	require.NoError(t, fs.SaveBatch(fixes))

	latest, ok := fs.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(3000), latest.Timestamp)

	all, err := fs.QueryByTime(0, 10000)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, fixes[0].Attributes, all[0].Attributes)

	recent, err := fs.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(2000), recent[0].Timestamp)
}

func TestFileStoreSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.log")
	content := EncodeFix(sampleFix(1000)) + "\n" +
		"garbage line\n" +
		EncodeFix(sampleFix(2000)) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	fs := NewFileStore(FileStoreConfig{Path: path}, logx.NewLogger("error", "test"))
	require.NoError(t, fs.Init())
	defer fs.Close()

	all, err := fs.QueryByTime(0, 10000)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileStoreRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.log")
	fs := NewFileStore(FileStoreConfig{
		Path:       path,
		RotateSize: 200, // a few records
	}, logx.NewLogger("error", "test"))
	require.NoError(t, fs.Init())
	defer fs.Close()

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, fs.Save(sampleFix(i*1000)))
	}

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)

	// Queries span rotated and active files
	all, err := fs.QueryByTime(0, 100000)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestSQLiteStoreBasics(t *testing.T) {
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, s.Init())
	defer s.Close()

	require.NoError(t, s.Save(sampleFix(1000)))
	require.NoError(t, s.SaveBatch([]pkg.Fix{sampleFix(2000), sampleFix(3000)}))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(3000), latest.Timestamp)
	assert.Equal(t, "12", latest.Attributes["satellites"])

	ranged, err := s.QueryByTime(1500, 2500)
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, int64(2000), ranged[0].Timestamp)

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(2000), recent[0].Timestamp)
	assert.Equal(t, int64(3000), recent[1].Timestamp)

	require.NoError(t, s.Clear())
	_, ok = s.Latest()
	assert.False(t, ok)
}

func TestBoltStoreBasics(t *testing.T) {
	s := NewBoltStore(filepath.Join(t.TempDir(), "history.bolt"))
	require.NoError(t, s.Init())
	defer s.Close()

	require.NoError(t, s.SaveBatch([]pkg.Fix{
		sampleFix(1000), sampleFix(2000), sampleFix(3000),
	}))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(3000), latest.Timestamp)

	ranged, err := s.QueryByTime(1000, 2000)
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(2000), recent[0].Timestamp)

	require.NoError(t, s.Clear())
	_, ok = s.Latest()
	assert.False(t, ok)
}

func TestStoresAreInterchangeable(t *testing.T) {
	dir := t.TempDir()
	stores := []Store{
		NewMemoryStore(100),
		NewFileStore(FileStoreConfig{Path: filepath.Join(dir, "h.log")}, logx.NewLogger("error", "test")),
		NewSQLiteStore(filepath.Join(dir, "h.db")),
		NewBoltStore(filepath.Join(dir, "h.bolt")),
	}
	for _, s := range stores {
		require.NoError(t, s.Init(), s.Name())
		require.NoError(t, s.Save(sampleFix(1000)), s.Name())
		latest, ok := s.Latest()
		require.True(t, ok, s.Name())
		assert.Equal(t, int64(1000), latest.Timestamp, s.Name())
		require.NoError(t, s.Close(), s.Name())
	}
}
