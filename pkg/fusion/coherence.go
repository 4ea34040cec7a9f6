package fusion

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
)

const (
	// DefaultCoherenceThreshold is the minimum pairwise footprint
	// overlap for two fixes to be considered coherent
	DefaultCoherenceThreshold = 0.7

	// DefaultMaxFootprintRadius caps the uncertainty disc radius in
	// meters so a wildly inaccurate source cannot overlap everything
	DefaultMaxFootprintRadius = 200.0
)

// FootprintCoherence treats each fix as an uncertainty disc and fuses
// the largest subset whose pairwise overlap meets the threshold. When no
// subset of at least minRequired fixes qualifies, all valid fixes are
// fused instead.
type FootprintCoherence struct {
	threshold   float64
	maxRadius   float64
	minRequired int
	inner       *WeightedAverage
}

// NewFootprintCoherence creates the strategy; non-positive parameters
// select the defaults (threshold 0.7, radius cap 200 m, minRequired 2)
func NewFootprintCoherence(threshold, maxRadius float64, minRequired int) *FootprintCoherence {
	if threshold <= 0 {
		threshold = DefaultCoherenceThreshold
	}
	if maxRadius <= 0 {
		maxRadius = DefaultMaxFootprintRadius
	}
	if minRequired <= 0 {
		minRequired = 2
	}
	return &FootprintCoherence{
		threshold:   threshold,
		maxRadius:   maxRadius,
		minRequired: minRequired,
		inner:       NewWeightedAverage(WeightAccuracy, nil),
	}
}

func (f *FootprintCoherence) Name() string { return "footprint_coherence" }

func (f *FootprintCoherence) radius(fix pkg.Fix) float64 {
	return math.Min(2*fix.Accuracy, f.maxRadius)
}

func (f *FootprintCoherence) Fuse(fixes []pkg.Fix) (*Result, error) {
	if len(fixes) == 0 {
		return nil, ErrNoInput
	}
	if len(fixes) == 1 {
		return f.fuseSubset(fixes, fixes, 1.0)
	}

	n := len(fixes)
	overlap := make([][]float64, n)
	for i := range overlap {
		overlap[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			o := geo.FootprintOverlap(
				fixes[i].Latitude, fixes[i].Longitude, f.radius(fixes[i]),
				fixes[j].Latitude, fixes[j].Longitude, f.radius(fixes[j]))
			overlap[i][j] = o
			overlap[j][i] = o
		}
	}

	bestMask := 0
	bestSize := 0
	bestMean := 0.0
	// Source sets are small (one fix per source kind), so exhaustive
	// subset search stays cheap
	for mask := 1; mask < 1<<n; mask++ {
		size := bits.OnesCount(uint(mask))
		if size < 2 || size < bestSize {
			continue
		}
		coherent := true
		sum := 0.0
		pairs := 0
		for i := 0; i < n && coherent; i++ {
			if mask&(1<<i) == 0 {
				continue
			}
			for j := i + 1; j < n; j++ {
				if mask&(1<<j) == 0 {
					continue
				}
				if overlap[i][j] < f.threshold {
					coherent = false
					break
				}
				sum += overlap[i][j]
				pairs++
			}
		}
		if !coherent || pairs == 0 {
			continue
		}
		mean := sum / float64(pairs)
		if size > bestSize || (size == bestSize && mean > bestMean) {
			bestMask = mask
			bestSize = size
			bestMean = mean
		}
	}

	if bestSize < f.minRequired {
		// No coherent subset large enough: fall back to all valid fixes
		return f.fuseSubset(fixes, fixes, 0.0)
	}

	subset := make([]pkg.Fix, 0, bestSize)
	for i := 0; i < n; i++ {
		if bestMask&(1<<i) != 0 {
			subset = append(subset, fixes[i])
		}
	}
	return f.fuseSubset(subset, fixes, bestMean)
}

// fuseSubset averages the chosen subset. The finalize bounding box uses
// the subset so the result stays within its contributors.
func (f *FootprintCoherence) fuseSubset(subset, all []pkg.Fix, meanOverlap float64) (*Result, error) {
	result, err := f.inner.Fuse(subset)
	if err != nil {
		return nil, err
	}
	result.Method = f.Name()
	if meanOverlap > 0 {
		result.Confidence = math.Min(1, meanOverlap)
	} else {
		result.Confidence = math.Min(result.Confidence, 0.5)
	}
	result.Details = map[string]string{
		"coherent_sources": fmt.Sprintf("%d/%d", len(subset), len(all)),
		"mean_overlap":     fmt.Sprintf("%.3f", meanOverlap),
	}
	return result, nil
}
