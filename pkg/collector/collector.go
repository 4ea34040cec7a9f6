// Package collector defines the producer contract consumed by the
// pipeline and reference producers for each source kind.
package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

// Producer is one positioning source. Start begins emission, OnUpdate
// registers the sink the pipeline wires to its ingest queue, and Latest
// returns the most recent fix without waiting for the next emission.
type Producer interface {
	Name() string
	Kind() pkg.SourceType
	Start() error
	Stop()
	Latest() (pkg.Fix, bool)
	OnUpdate(handler func(pkg.Fix))
	Health() Health
}

// Health tracks a producer's recent behaviour
type Health struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error"`
	SuccessRate  float64   `json:"success_rate"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
}

// healthTracker accumulates Health under its own lock
type healthTracker struct {
	mu     sync.Mutex
	health Health
}

func (h *healthTracker) success() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.Available = true
	h.health.LastSuccess = time.Now()
	h.health.SuccessCount++
	h.update()
}

func (h *healthTracker) failure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.LastError = err.Error()
	h.health.ErrorCount++
	h.update()
}

func (h *healthTracker) update() {
	total := h.health.SuccessCount + h.health.ErrorCount
	if total > 0 {
		h.health.SuccessRate = float64(h.health.SuccessCount) / float64(total)
	}
}

func (h *healthTracker) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// Registry owns the set of registered producers. It replaces the
// original's process-wide source manager with an explicit owning value.
type Registry struct {
	mu        sync.RWMutex
	producers map[pkg.SourceType]Producer
	logger    *logx.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logx.Logger) *Registry {
	return &Registry{
		producers: make(map[pkg.SourceType]Producer),
		logger:    logger,
	}
}

// Register adds a producer for its source kind, replacing any previous
// producer of that kind
func (r *Registry) Register(p Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.producers[p.Kind()]; ok {
		prev.Stop()
	}
	r.producers[p.Kind()] = p
	if r.logger != nil {
		r.logger.Info("producer registered", "name", p.Name(), "kind", string(p.Kind()))
	}
}

// Unregister stops and removes the producer for a source kind
func (r *Registry) Unregister(kind pkg.SourceType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[kind]
	if !ok {
		return false
	}
	p.Stop()
	delete(r.producers, kind)
	return true
}

// Get returns the producer for a source kind
func (r *Registry) Get(kind pkg.SourceType) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[kind]
	return p, ok
}

// All returns the registered producers
func (r *Registry) All() []Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

// StartAll starts every producer, stopping the already-started ones on
// first failure
func (r *Registry) StartAll() error {
	started := make([]Producer, 0)
	for _, p := range r.All() {
		if err := p.Start(); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("start producer %s: %w", p.Name(), err)
		}
		started = append(started, p)
	}
	return nil
}

// StopAll stops every producer
func (r *Registry) StopAll() {
	for _, p := range r.All() {
		p.Stop()
	}
}

// HealthStatus reports health per source kind
func (r *Registry) HealthStatus() map[pkg.SourceType]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[pkg.SourceType]Health, len(r.producers))
	for kind, p := range r.producers {
		out[kind] = p.Health()
	}
	return out
}
