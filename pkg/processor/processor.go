// Package processor implements the ordered stage chain every raw fix
// passes through before anomaly detection and fusion.
package processor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

// Stage is one link of the processing chain. Process is pure over
// (fix, stage state): it may annotate status but must not block, and an
// error drops the fix at the orchestrator without poisoning the chain.
type Stage interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	Priority() int
	Process(fix pkg.Fix) (pkg.Fix, error)
}

// Chain invokes its enabled stages in ascending priority order
type Chain struct {
	mu     sync.RWMutex
	stages []Stage
	logger *logx.Logger
}

// NewChain creates an empty chain
func NewChain(logger *logx.Logger) *Chain {
	return &Chain{logger: logger}
}

// Add inserts a stage, keeping the chain sorted by priority
func (c *Chain) Add(stage Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stages = append(c.stages, stage)
	sort.SliceStable(c.stages, func(i, j int) bool {
		return c.stages[i].Priority() < c.stages[j].Priority()
	})
}

// Remove drops the named stage, reporting whether it was present
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.stages {
		if s.Name() == name {
			c.stages = append(c.stages[:i], c.stages[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the named stage, or nil
func (c *Chain) Get(name string) Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.stages {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// Stages returns the stages in invocation order
func (c *Chain) Stages() []Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Process runs the fix through all enabled stages. The chain is
// idempotent: each stage recognizes already-processed fixes and leaves
// them unchanged.
func (c *Chain) Process(fix pkg.Fix) (pkg.Fix, error) {
	for _, stage := range c.Stages() {
		if !stage.Enabled() {
			continue
		}
		next, err := stage.Process(fix)
		if err != nil {
			return fix, fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		fix = next
	}
	return fix, nil
}

// baseStage carries the enable flag and priority shared by all stages
type baseStage struct {
	mu       sync.RWMutex
	enabled  bool
	priority int
}

func newBaseStage(priority int) baseStage {
	return baseStage{enabled: true, priority: priority}
}

func (b *baseStage) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *baseStage) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

func (b *baseStage) Priority() int {
	return b.priority
}
