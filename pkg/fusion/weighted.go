package fusion

import (
	"sync"

	"github.com/locuskit/locus/pkg"
)

// WeightMode selects how per-source weights are derived
type WeightMode string

const (
	// WeightEqual gives every contributor the same weight
	WeightEqual WeightMode = "equal"

	// WeightAccuracy weights contributors inversely to reported accuracy
	WeightAccuracy WeightMode = "accuracy"

	// WeightCustom uses the configured per-source weights
	WeightCustom WeightMode = "custom"
)

// WeightedAverage fuses contributors as a weighted mean of coordinates,
// combining accuracy as the harmonic mean of contributor accuracies
type WeightedAverage struct {
	mu      sync.RWMutex
	mode    WeightMode
	weights map[pkg.SourceType]float64
}

// NewWeightedAverage creates the strategy. weights is only consulted in
// WeightCustom mode; missing sources default to 1.0.
func NewWeightedAverage(mode WeightMode, weights map[pkg.SourceType]float64) *WeightedAverage {
	if mode == "" {
		mode = WeightAccuracy
	}
	return &WeightedAverage{mode: mode, weights: weights}
}

func (w *WeightedAverage) Name() string { return "weighted_average" }

// SetWeight sets a custom per-source weight
func (w *WeightedAverage) SetWeight(source pkg.SourceType, weight float64) {
	w.mu.Lock()
	if w.weights == nil {
		w.weights = make(map[pkg.SourceType]float64)
	}
	if weight < 0 {
		weight = 0
	}
	w.weights[source] = weight
	w.mu.Unlock()
}

func (w *WeightedAverage) customWeight(source pkg.SourceType) float64 {
	if v, ok := w.weights[source]; ok {
		return v
	}
	return 1.0
}

// calcWeights returns normalized weights for the contributors. A
// degenerate zero total falls back to equal weights, which makes the
// weighted mean an arithmetic mean.
func (w *WeightedAverage) calcWeights(fixes []pkg.Fix) []float64 {
	weights := make([]float64, len(fixes))
	total := 0.0

	switch w.mode {
	case WeightAccuracy:
		for i, f := range fixes {
			if f.Accuracy > 0 {
				weights[i] = 1.0 / f.Accuracy
			} else {
				weights[i] = 1.0
			}
			total += weights[i]
		}
	case WeightCustom:
		for i, f := range fixes {
			weights[i] = w.customWeight(f.Source)
			total += weights[i]
		}
	default:
		for i := range fixes {
			weights[i] = 1.0
			total += 1.0
		}
	}

	if total <= 0 {
		for i := range weights {
			weights[i] = 1.0 / float64(len(fixes))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

func (w *WeightedAverage) Fuse(fixes []pkg.Fix) (*Result, error) {
	if len(fixes) == 0 {
		return nil, ErrNoInput
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	weights := w.calcWeights(fixes)

	var lat, lon, altSum, altWeight, accHarmonic float64
	hasAlt := false
	for i, f := range fixes {
		lat += f.Latitude * weights[i]
		lon += f.Longitude * weights[i]
		if f.Altitude != nil {
			altSum += *f.Altitude * weights[i]
			altWeight += weights[i]
			hasAlt = true
		}
		if f.Accuracy > 0 {
			accHarmonic += weights[i] / f.Accuracy
		}
	}

	var accuracy float64
	if accHarmonic > 0 {
		accuracy = 1.0 / accHarmonic
	} else {
		for _, f := range fixes {
			accuracy += f.Accuracy
		}
		accuracy /= float64(len(fixes))
	}

	result := &Result{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   accuracy,
		Confidence: 0.5 + 0.5*consistency(fixes),
		Method:     w.Name(),
		Details: map[string]string{
			"weight_mode": string(w.mode),
			"weights":     weightsDetail(fixes, weights),
		},
	}
	if hasAlt && altWeight > 0 {
		alt := altSum / altWeight
		result.Altitude = &alt
	}
	return finalize(result, fixes), nil
}
