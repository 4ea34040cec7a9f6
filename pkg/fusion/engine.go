package fusion

import (
	"fmt"
	"sync"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

// Engine applies the fusion strategy bound to the current scene. With no
// matching scene policy the configured default strategy runs; the
// adaptive default degrades to an accuracy-weighted average.
type Engine struct {
	mu              sync.RWMutex
	logger          *logx.Logger
	defaultStrategy pkg.FusionStrategy
	sceneConfigs    map[pkg.Scene]pkg.SceneConfig

	coherenceThreshold float64
	maxFootprintRadius float64
	minRequired        int
}

// NewEngine creates the engine
func NewEngine(defaultStrategy pkg.FusionStrategy, sceneConfigs map[pkg.Scene]pkg.SceneConfig, logger *logx.Logger) *Engine {
	if defaultStrategy == "" {
		defaultStrategy = pkg.StrategyAdaptive
	}
	if sceneConfigs == nil {
		sceneConfigs = map[pkg.Scene]pkg.SceneConfig{}
	}
	return &Engine{
		logger:             logger,
		defaultStrategy:    defaultStrategy,
		sceneConfigs:       sceneConfigs,
		coherenceThreshold: DefaultCoherenceThreshold,
		maxFootprintRadius: DefaultMaxFootprintRadius,
		minRequired:        2,
	}
}

// SetDefaultStrategy swaps the fallback strategy
func (e *Engine) SetDefaultStrategy(s pkg.FusionStrategy) {
	e.mu.Lock()
	e.defaultStrategy = s
	e.mu.Unlock()
}

// SetSceneConfig installs or replaces one scene's policy
func (e *Engine) SetSceneConfig(scene pkg.Scene, cfg pkg.SceneConfig) {
	e.mu.Lock()
	e.sceneConfigs[scene] = cfg
	e.mu.Unlock()
}

// SetCoherenceParams tunes the footprint strategy
func (e *Engine) SetCoherenceParams(threshold, maxRadius float64, minRequired int) {
	e.mu.Lock()
	if threshold > 0 {
		e.coherenceThreshold = threshold
	}
	if maxRadius > 0 {
		e.maxFootprintRadius = maxRadius
	}
	if minRequired > 0 {
		e.minRequired = minRequired
	}
	e.mu.Unlock()
}

// MinRequiredSources returns the slot quorum for the scene
func (e *Engine) MinRequiredSources(scene pkg.Scene) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if cfg, ok := e.sceneConfigs[scene]; ok && cfg.MinRequiredSources > 0 {
		return cfg.MinRequiredSources
	}
	return e.minRequired
}

// Fuse combines the fixes under the scene's policy
func (e *Engine) Fuse(fixes []pkg.Fix, scene pkg.Scene) (*Result, error) {
	if len(fixes) == 0 {
		return nil, ErrNoInput
	}

	e.mu.RLock()
	strategy := e.defaultStrategy
	sceneCfg, hasScene := e.sceneConfigs[scene]
	e.mu.RUnlock()

	// Single-source input passes through unchanged; confidence is the
	// source's priority weight
	if len(fixes) == 1 {
		return e.fuseSingle(fixes[0], sceneCfg, hasScene), nil
	}

	if strategy != pkg.StrategyAdaptive {
		result, err := e.build(strategy, sceneCfg, hasScene).Fuse(fixes)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	// Scene-adaptive composition: dispatch on the active SceneConfig,
	// falling back to weighted average when no policy exists
	inner := pkg.StrategyWeightedAverage
	if hasScene && sceneCfg.Strategy != "" && sceneCfg.Strategy != pkg.StrategyAdaptive {
		inner = sceneCfg.Strategy
	}
	result, err := e.build(inner, sceneCfg, hasScene).Fuse(fixes)
	if err != nil {
		return nil, err
	}
	result.Method = fmt.Sprintf("adaptive(%s)/%s", sceneLabel(scene), result.Method)
	if result.Details == nil {
		result.Details = map[string]string{}
	}
	result.Details["scene"] = sceneLabel(scene)
	return result, nil
}

func (e *Engine) build(strategy pkg.FusionStrategy, sceneCfg pkg.SceneConfig, hasScene bool) Strategy {
	switch strategy {
	case pkg.StrategyPriority:
		priorities := DefaultPriorities()
		if hasScene && len(sceneCfg.SourcePriorities) > 0 {
			priorities = sceneCfg.SourcePriorities
		}
		return NewPriorityBased(priorities)
	case pkg.StrategyFootprintCoherence:
		minReq := e.minRequired
		if hasScene && sceneCfg.MinRequiredSources > 0 {
			minReq = sceneCfg.MinRequiredSources
		}
		return NewFootprintCoherence(e.coherenceThreshold, e.maxFootprintRadius, minReq)
	default:
		if hasScene && len(sceneCfg.SourceWeights) > 0 {
			return NewWeightedAverage(WeightCustom, sceneCfg.SourceWeights)
		}
		return NewWeightedAverage(WeightAccuracy, nil)
	}
}

func (e *Engine) fuseSingle(fix pkg.Fix, sceneCfg pkg.SceneConfig, hasScene bool) *Result {
	priorities := DefaultPriorities()
	if hasScene && len(sceneCfg.SourcePriorities) > 0 {
		priorities = sceneCfg.SourcePriorities
	}
	maxPriority := 0
	for _, p := range priorities {
		if p > maxPriority {
			maxPriority = p
		}
	}
	confidence := 1.0
	if maxPriority > 0 {
		confidence = float64(priorities[fix.Source]) / float64(maxPriority)
	}

	result := &Result{
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Altitude:   fix.Altitude,
		Accuracy:   fix.Accuracy,
		Confidence: confidence,
		Method:     "single_source",
		Details:    map[string]string{"source": string(fix.Source)},
	}
	return finalize(result, []pkg.Fix{fix})
}

func sceneLabel(scene pkg.Scene) string {
	if scene == "" {
		return string(pkg.SceneUnknown)
	}
	return string(scene)
}
