package anomaly

import (
	"fmt"
	"math"
	"sync"

	"github.com/locuskit/locus/pkg"
)

// Predicate weights for pattern similarity scoring
const (
	patternWeightRegion    = 0.3
	patternWeightSource    = 0.2
	patternWeightAccuracy  = 0.2
	patternWeightStatus    = 0.1
	patternWeightAttribute = 0.05
)

// DefaultPatternThreshold is the similarity at which a fix is considered
// to match a known anomaly pattern
const DefaultPatternThreshold = 0.8

// BoundingRegion is an axis-aligned lat/lon box
type BoundingRegion struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the point lies inside the region
func (r *BoundingRegion) Contains(lat, lon float64) bool {
	return lat >= r.MinLat && lat <= r.MaxLat && lon >= r.MinLon && lon <= r.MaxLon
}

// Pattern describes a known bad-fix signature. Nil/empty predicates do
// not participate in scoring.
type Pattern struct {
	Name        string            `json:"name"`
	Source      *pkg.SourceType   `json:"source,omitempty"`
	MinAccuracy *float64          `json:"min_accuracy,omitempty"`
	MaxAccuracy *float64          `json:"max_accuracy,omitempty"`
	Status      *pkg.FixStatus    `json:"status,omitempty"`
	Region      *BoundingRegion   `json:"region,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// similarity is the weighted sum of matching predicates
func (p *Pattern) similarity(fix pkg.Fix) float64 {
	score := 0.0
	if p.Region != nil && p.Region.Contains(fix.Latitude, fix.Longitude) {
		score += patternWeightRegion
	}
	if p.Source != nil && *p.Source == fix.Source {
		score += patternWeightSource
	}
	if p.MinAccuracy != nil || p.MaxAccuracy != nil {
		lo := math.Inf(-1)
		hi := math.Inf(1)
		if p.MinAccuracy != nil {
			lo = *p.MinAccuracy
		}
		if p.MaxAccuracy != nil {
			hi = *p.MaxAccuracy
		}
		if fix.Accuracy >= lo && fix.Accuracy <= hi {
			score += patternWeightAccuracy
		}
	}
	if p.Status != nil && *p.Status == fix.Status {
		score += patternWeightStatus
	}
	for k, v := range p.Attributes {
		if fix.Attributes[k] == v {
			score += patternWeightAttribute
		}
	}
	return score
}

// PatternDetector matches fixes against a list of named anomaly patterns
type PatternDetector struct {
	mu        sync.RWMutex
	patterns  []Pattern
	threshold float64
}

// NewPatternDetector creates the detector; threshold <= 0 selects the
// default
func NewPatternDetector(patterns []Pattern, threshold float64) *PatternDetector {
	if threshold <= 0 {
		threshold = DefaultPatternThreshold
	}
	return &PatternDetector{patterns: patterns, threshold: threshold}
}

func (d *PatternDetector) Name() string { return "pattern" }

// AddPattern registers an additional pattern at runtime
func (d *PatternDetector) AddPattern(p Pattern) {
	d.mu.Lock()
	d.patterns = append(d.patterns, p)
	d.mu.Unlock()
}

func (d *PatternDetector) Detect(fix pkg.Fix, _ []pkg.Fix) Verdict {
	d.mu.RLock()
	defer d.mu.RUnlock()

	best := 0.0
	bestName := ""
	for i := range d.patterns {
		if s := d.patterns[i].similarity(fix); s > best {
			best = s
			bestName = d.patterns[i].Name
		}
	}
	if best < d.threshold {
		return Verdict{}
	}
	return Verdict{
		IsAnomaly:  true,
		Confidence: math.Min(1, best),
		Info: map[string]string{
			"pattern":    bestName,
			"similarity": fmt.Sprintf("%.2f", best),
		},
	}
}
