package anomaly

import (
	"math"
	"sync"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

// FuseRule selects how per-detector verdicts combine into one
type FuseRule string

const (
	// FuseMajority declares an anomaly when at least MinVotes detectors
	// agree; confidence is the mean of the agreeing confidences
	FuseMajority FuseRule = "majority"

	// FuseWeighted averages confidences by detector weight and compares
	// against Threshold
	FuseWeighted FuseRule = "weighted"

	// FuseThreshold declares an anomaly when any detector is anomalous
	// with confidence at or above Threshold; confidence is the maximum
	FuseThreshold FuseRule = "threshold"
)

// CompositeConfig tunes the verdict fusion
type CompositeConfig struct {
	Rule      FuseRule           `json:"rule"`
	MinVotes  int                `json:"min_votes"` // majority rule, default 2
	Threshold float64            `json:"threshold"` // weighted/threshold rules
	Weights   map[string]float64 `json:"weights,omitempty"`
}

// DefaultCompositeConfig returns the stock fusion settings
func DefaultCompositeConfig() CompositeConfig {
	return CompositeConfig{
		Rule:      FuseMajority,
		MinVotes:  2,
		Threshold: 0.6,
	}
}

// Composite runs a bank of detectors over each fix and fuses their
// verdicts under the configured rule
type Composite struct {
	mu        sync.RWMutex
	detectors []Detector
	config    CompositeConfig
	logger    *logx.Logger
}

// NewComposite creates the composite over the given detectors
func NewComposite(detectors []Detector, config CompositeConfig, logger *logx.Logger) *Composite {
	if config.MinVotes <= 0 {
		config.MinVotes = 2
	}
	if config.Threshold <= 0 {
		config.Threshold = 0.6
	}
	return &Composite{detectors: detectors, config: config, logger: logger}
}

func (c *Composite) Name() string { return "composite" }

// Add registers another detector
func (c *Composite) Add(d Detector) {
	c.mu.Lock()
	c.detectors = append(c.detectors, d)
	c.mu.Unlock()
}

// Remove drops the named detector, reporting whether it was present
func (c *Composite) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.detectors {
		if d.Name() == name {
			c.detectors = append(c.detectors[:i], c.detectors[i+1:]...)
			return true
		}
	}
	return false
}

// SetConfig swaps the fusion configuration
func (c *Composite) SetConfig(config CompositeConfig) {
	c.mu.Lock()
	if config.MinVotes <= 0 {
		config.MinVotes = 2
	}
	if config.Threshold <= 0 {
		config.Threshold = 0.6
	}
	c.config = config
	c.mu.Unlock()
}

// Detect runs every detector and fuses the verdicts. A detector panic is
// contained and treated as a non-verdict.
func (c *Composite) Detect(fix pkg.Fix, context []pkg.Fix) Verdict {
	c.mu.RLock()
	detectors := make([]Detector, len(c.detectors))
	copy(detectors, c.detectors)
	config := c.config
	c.mu.RUnlock()

	verdicts := make(map[string]Verdict, len(detectors))
	for _, d := range detectors {
		verdicts[d.Name()] = c.safeDetect(d, fix, context)
	}

	var fused Verdict
	switch config.Rule {
	case FuseWeighted:
		fused = fuseWeighted(verdicts, config)
	case FuseThreshold:
		fused = fuseThreshold(verdicts, config)
	default:
		fused = fuseMajority(verdicts, config)
	}

	if fused.IsAnomaly && c.logger != nil {
		c.logger.LogDebugVerbose("anomaly_detected", map[string]interface{}{
			"rule":       string(config.Rule),
			"confidence": fused.Confidence,
			"source":     string(fix.Source),
			"timestamp":  fix.Timestamp,
			"detectors":  fused.Info,
		})
	}
	return fused
}

func (c *Composite) safeDetect(d Detector, fix pkg.Fix, context []pkg.Fix) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			if c.logger != nil {
				c.logger.Error("detector panicked", "detector", d.Name(), "panic", r)
			}
			v = Verdict{}
		}
	}()
	return d.Detect(fix, context)
}

func fuseMajority(verdicts map[string]Verdict, config CompositeConfig) Verdict {
	votes := 0
	sum := 0.0
	info := map[string]string{}
	for name, v := range verdicts {
		if v.IsAnomaly {
			votes++
			sum += v.Confidence
			info[name] = "anomaly"
		}
	}
	if votes < config.MinVotes {
		return Verdict{}
	}
	return Verdict{IsAnomaly: true, Confidence: clamp01(sum / float64(votes)), Info: info}
}

func fuseWeighted(verdicts map[string]Verdict, config CompositeConfig) Verdict {
	num := 0.0
	den := 0.0
	info := map[string]string{}
	for name, v := range verdicts {
		w, ok := config.Weights[name]
		if !ok {
			w = 1.0
		}
		den += w
		if v.IsAnomaly {
			num += w * v.Confidence
			info[name] = "anomaly"
		}
	}
	if den == 0 {
		return Verdict{}
	}
	conf := num / den
	if conf < config.Threshold {
		return Verdict{}
	}
	return Verdict{IsAnomaly: true, Confidence: clamp01(conf), Info: info}
}

func fuseThreshold(verdicts map[string]Verdict, config CompositeConfig) Verdict {
	best := 0.0
	info := map[string]string{}
	hit := false
	for name, v := range verdicts {
		if v.IsAnomaly && v.Confidence >= config.Threshold {
			hit = true
			info[name] = "anomaly"
			best = math.Max(best, v.Confidence)
		}
	}
	if !hit {
		return Verdict{}
	}
	return Verdict{IsAnomaly: true, Confidence: clamp01(best), Info: info}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
