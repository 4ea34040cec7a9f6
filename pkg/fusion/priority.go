package fusion

import (
	"fmt"
	"sort"
	"sync"

	"github.com/locuskit/locus/pkg"
)

// DefaultPriorities orders sources by typical positioning quality
func DefaultPriorities() map[pkg.SourceType]int {
	return map[pkg.SourceType]int{
		pkg.SourceGNSS:     100,
		pkg.SourceWiFi:     80,
		pkg.SourceCellular: 60,
		pkg.SourceSensor:   20,
	}
}

// PriorityBased picks the fix from the highest-priority source,
// tie-breaking by smaller accuracy and then by more recent capture time
type PriorityBased struct {
	mu         sync.RWMutex
	priorities map[pkg.SourceType]int
}

// NewPriorityBased creates the strategy; a nil map selects the defaults
func NewPriorityBased(priorities map[pkg.SourceType]int) *PriorityBased {
	if len(priorities) == 0 {
		priorities = DefaultPriorities()
	}
	return &PriorityBased{priorities: priorities}
}

func (p *PriorityBased) Name() string { return "priority" }

// SetPriority adjusts one source's priority at runtime
func (p *PriorityBased) SetPriority(source pkg.SourceType, priority int) {
	p.mu.Lock()
	p.priorities[source] = priority
	p.mu.Unlock()
}

func (p *PriorityBased) priorityOf(source pkg.SourceType) int {
	if pr, ok := p.priorities[source]; ok {
		return pr
	}
	return 0
}

func (p *PriorityBased) Fuse(fixes []pkg.Fix) (*Result, error) {
	if len(fixes) == 0 {
		return nil, ErrNoInput
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	sorted := make([]pkg.Fix, len(fixes))
	copy(sorted, fixes)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := p.priorityOf(sorted[i].Source), p.priorityOf(sorted[j].Source)
		if pi != pj {
			return pi > pj
		}
		if sorted[i].Accuracy != sorted[j].Accuracy {
			return sorted[i].Accuracy < sorted[j].Accuracy
		}
		return sorted[i].Timestamp > sorted[j].Timestamp
	})

	best := sorted[0]
	maxPriority := 0
	for _, pr := range p.priorities {
		if pr > maxPriority {
			maxPriority = pr
		}
	}
	confidence := 1.0
	if maxPriority > 0 {
		confidence = float64(p.priorityOf(best.Source)) / float64(maxPriority)
	}

	result := &Result{
		Latitude:   best.Latitude,
		Longitude:  best.Longitude,
		Altitude:   best.Altitude,
		Accuracy:   best.Accuracy,
		Confidence: confidence,
		Method:     p.Name(),
		Details: map[string]string{
			"selected_source":   string(best.Source),
			"selected_priority": fmt.Sprintf("%d", p.priorityOf(best.Source)),
		},
	}
	return finalize(result, fixes), nil
}
