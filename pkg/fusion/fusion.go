// Package fusion combines time-aligned valid fixes from distinct sources
// into a single best-estimate position.
package fusion

import (
	"errors"
	"fmt"
	"math"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
)

// ErrNoInput is returned when a strategy receives no fixes
var ErrNoInput = errors.New("no fixes to fuse")

// Result is a strategy's output. Confidence is the strategy's
// self-reported quality; the orchestrator multiplies in the anomaly
// penalty.
type Result struct {
	Latitude    float64
	Longitude   float64
	Altitude    *float64
	Accuracy    float64
	Timestamp   int64 // max of contributor times
	Confidence  float64
	Method      string
	SourceCount int
	Details     map[string]string
}

// Strategy fuses a set of valid fixes, one per source kind
type Strategy interface {
	Name() string
	Fuse(fixes []pkg.Fix) (*Result, error)
}

// finalize enforces the shared guarantees: the fused coordinate lies
// within the axis-aligned bounding box of its contributors, output time
// is the max contributor time, and confidence is clamped to [0, 1].
func finalize(r *Result, fixes []pkg.Fix) *Result {
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	minLon, maxLon := math.Inf(1), math.Inf(-1)
	var maxTs int64
	for _, f := range fixes {
		minLat = math.Min(minLat, f.Latitude)
		maxLat = math.Max(maxLat, f.Latitude)
		minLon = math.Min(minLon, f.Longitude)
		maxLon = math.Max(maxLon, f.Longitude)
		if f.Timestamp > maxTs {
			maxTs = f.Timestamp
		}
	}

	r.Latitude = math.Min(math.Max(r.Latitude, minLat), maxLat)
	r.Longitude = math.Min(math.Max(r.Longitude, minLon), maxLon)
	r.Timestamp = maxTs
	r.SourceCount = len(fixes)
	r.Confidence = math.Min(1, math.Max(0, r.Confidence))
	return r
}

// consistency scores how tightly the contributors agree: 1 when all
// coincide, approaching 0 as the spread dwarfs the reported accuracies
func consistency(fixes []pkg.Fix) float64 {
	if len(fixes) < 2 {
		return 1
	}
	spread := 0.0
	accSum := 0.0
	for i := range fixes {
		accSum += fixes[i].Accuracy
		for j := i + 1; j < len(fixes); j++ {
			d := geo.Distance(fixes[i].Latitude, fixes[i].Longitude,
				fixes[j].Latitude, fixes[j].Longitude)
			spread = math.Max(spread, d)
		}
	}
	scale := accSum / float64(len(fixes))
	if scale <= 0 {
		scale = 1
	}
	return 1 / (1 + spread/scale)
}

func weightsDetail(fixes []pkg.Fix, weights []float64) string {
	s := "["
	for i, f := range fixes {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s:%.3f", f.Source, weights[i])
	}
	return s + "]"
}
