// Package pipeline orchestrates the correction engine: a single consumer
// drains the ingest queue through the processor chain and anomaly bank,
// correlates per-source slots, fuses them under the scene policy and
// publishes corrected fixes to subscribers and the history store.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/anomaly"
	"github.com/locuskit/locus/pkg/collector"
	"github.com/locuskit/locus/pkg/config"
	"github.com/locuskit/locus/pkg/fusion"
	"github.com/locuskit/locus/pkg/geo"
	"github.com/locuskit/locus/pkg/logx"
	"github.com/locuskit/locus/pkg/metrics"
	"github.com/locuskit/locus/pkg/processor"
	"github.com/locuskit/locus/pkg/queue"
	"github.com/locuskit/locus/pkg/scene"
	"github.com/locuskit/locus/pkg/store"
	"github.com/locuskit/locus/pkg/window"
)

const (
	// popTimeout bounds each consumer wait so the stop flag is
	// consulted between fixes
	popTimeout = 50 * time.Millisecond

	// eventBuffer bounds the supervisor event channel; events beyond it
	// are dropped rather than blocking the consumer
	eventBuffer = 128

	// penaltyWindow is how many recent fixes feed the anomaly-rate
	// confidence penalty
	penaltyWindow = 20
)

// Stage priorities fix the chain order: accuracy, staleness, outlier,
// transform
const (
	priorityAccuracy  = 10
	priorityStaleness = 20
	priorityOutlier   = 30
	priorityTransform = 40
)

// Pipeline is the correction engine orchestrator
type Pipeline struct {
	mu     sync.RWMutex
	cfg    *config.Config
	logger *logx.Logger

	queue       *queue.Queue
	chain       *processor.Chain
	outlier     *processor.StatisticalOutlier
	composite   *anomaly.Composite
	statistical *anomaly.StatisticalDetector
	classifier  *scene.Classifier
	engine      *fusion.Engine
	history     *window.Window
	store       store.Store
	producers   *collector.Registry
	metrics     *metrics.Metrics
	cache       *correctedCache

	// Consumer state, touched only by the consumer goroutine once
	// running
	slots        map[pkg.SourceType]pkg.Fix
	lastEmitWall time.Time
	lastEmitTs   int64
	lastFatal    error

	lastCorrected *pkg.CorrectedFix

	// Algorithm parameters resolved from configuration
	smoothingFactor float64
	confidenceFloor float64

	// Anomaly-rate penalty ring
	recent     [penaltyWindow]bool
	recentIdx  int
	recentSize int

	state    pkg.PipelineState
	stopping chan struct{}
	consumer sync.WaitGroup

	dispatcher *dispatcher
	events     chan *pkg.Event
	stats      Stats
	perf       *logx.PerformanceLogger
}

// New creates a pipeline over a validated configuration and history
// store. The store is initialized at Start.
func New(cfg *config.Config, st store.Store, logger *logx.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logx.NewLogger("info", "pipeline")
	}

	p := &Pipeline{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		producers: collector.NewRegistry(logger.WithComponent("collector")),
		state:     pkg.StateStopped,
		events:    make(chan *pkg.Event, eventBuffer),
		slots:     make(map[pkg.SourceType]pkg.Fix),
	}
	p.perf = logx.NewPerformanceLogger(logger.WithComponent("perf"))
	p.buildComponents(cfg)
	p.dispatcher = newDispatcher(logger.WithComponent("dispatch"))
	return p, nil
}

// buildComponents derives the processing components from configuration.
// Called at construction and on configuration swap, under p.mu.
func (p *Pipeline) buildComponents(cfg *config.Config) {
	// The queue survives configuration swaps so the running consumer
	// never sees it change underfoot
	if p.queue == nil {
		p.queue = queue.New(cfg.QueueCapacity)
		p.queue.SetOverflowHandler(func(e *pkg.Event) {
			if p.metrics != nil {
				p.metrics.QueueDrops.Inc()
			}
			p.emitEvent(e)
		})
	}

	chain := processor.NewChain(p.logger.WithComponent("processor"))
	chain.Add(processor.NewAccuracyFilter(cfg.MinAccuracyM, cfg.MaxAccuracyM, priorityAccuracy))
	chain.Add(processor.NewStalenessFilter(cfg.MaxTimeDiff(), priorityStaleness, nil))
	outlier := processor.NewStatisticalOutlier(cfg.StatisticalWindow, cfg.ThresholdFactor, priorityOutlier)
	chain.Add(outlier)
	// Fixes enter and leave the pipeline in WGS84, so the transform stage
	// is the identity here
	chain.Add(processor.NewCoordinateTransform(geo.DatumWGS84, geo.DatumWGS84, priorityTransform))
	p.chain = chain
	p.outlier = outlier

	t := cfg.AnomalyThresholds
	p.statistical = anomaly.NewStatisticalDetector(cfg.StatisticalWindow, cfg.ZThreshold)
	detectors := []anomaly.Detector{
		anomaly.NewTimeGapDetector(time.Duration(t.MaxTimeDiffMs)*time.Millisecond, nil),
		anomaly.NewSpeedDetector(t.MaxSpeedMS),
		anomaly.NewAccelerationDetector(t.MaxAccelerationMS2),
		p.statistical,
		anomaly.NewPatternDetector(nil, 0),
	}
	p.composite = anomaly.NewComposite(detectors, anomaly.CompositeConfig{
		Rule:      anomaly.FuseMajority,
		MinVotes:  2,
		Threshold: t.MinConfidence,
	}, p.logger.WithComponent("anomaly"))

	sceneCfg := scene.DefaultConfig()
	sceneCfg.CheckInterval = cfg.SceneCheckInterval()
	p.classifier = scene.NewClassifier(sceneCfg, p.logger.WithComponent("scene"))

	p.engine = fusion.NewEngine(cfg.FusionStrategy, cfg.SceneConfigs, p.logger.WithComponent("fusion"))
	p.history = window.New(cfg.StatisticalWindow)

	if cfg.EnableCaching {
		p.cache = newCorrectedCache(cfg.CacheSize, cfg.CacheTimeout())
	} else {
		p.cache = nil
	}

	p.smoothingFactor = algorithmParam(cfg, "smoothingFactor", 0.7)
	p.confidenceFloor = algorithmParam(cfg, "confidenceThreshold", 0.0)
}

// algorithmParam reads a tuning value from the algorithm parameter map
func algorithmParam(cfg *config.Config, key string, fallback float64) float64 {
	if v, ok := cfg.AlgorithmParams[key]; ok && v >= 0 && v <= 1 {
		return v
	}
	return fallback
}

// SetMetrics attaches prometheus instruments; call before Start
func (p *Pipeline) SetMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// Producers returns the collector registry for registration
func (p *Pipeline) Producers() *collector.Registry {
	return p.producers
}

// RegisterProducer wires a producer's updates into the ingest queue and
// registers it for lifecycle management
func (p *Pipeline) RegisterProducer(prod collector.Producer) {
	prod.OnUpdate(func(fix pkg.Fix) {
		p.Submit(fix)
	})
	p.producers.Register(prod)
}

// Submit pushes one raw fix into the ingest queue
func (p *Pipeline) Submit(fix pkg.Fix) {
	p.mu.RLock()
	q := p.queue
	m := p.metrics
	p.mu.RUnlock()

	if err := q.Push(fix); err != nil {
		return
	}
	if m != nil {
		m.FixesIngested.Inc()
		m.QueueDepth.Set(float64(q.Len()))
	}
	p.stats.Ingested.Add(1)
}

// State returns the current lifecycle state
func (p *Pipeline) State() pkg.PipelineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsRunning reports whether the consumer loop is active
func (p *Pipeline) IsRunning() bool {
	return p.State() == pkg.StateRunning
}

// Start brings the pipeline up synchronously: the store is initialized,
// producers started and the consumer loop ready when it returns.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.state != pkg.StateStopped {
		// A Failed pipeline must be stopped before a restart so the
		// consumer is known to be down
		p.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	p.setStateLocked(pkg.StateStarting)
	p.stopping = make(chan struct{})
	// A restart needs a fresh queue; the previous one was closed by Stop
	p.queue = queue.New(p.cfg.QueueCapacity)
	p.queue.SetOverflowHandler(func(e *pkg.Event) {
		if p.metrics != nil {
			p.metrics.QueueDrops.Inc()
		}
		p.emitEvent(e)
	})
	p.mu.Unlock()

	if err := p.cfg.Validate(); err != nil {
		p.failStart(err)
		return err
	}
	if p.store != nil {
		if err := p.store.Init(); err != nil {
			err = fmt.Errorf("init history store: %w", err)
			p.failStart(err)
			return err
		}
	}

	p.dispatcher.start()

	if err := p.producers.StartAll(); err != nil {
		p.dispatcher.stop()
		p.failStart(err)
		return err
	}

	ready := make(chan struct{})
	p.consumer.Add(1)
	go p.consumeLoop(ready)
	<-ready

	if p.cache != nil {
		p.cache.startSweeper(p.stopping)
	}

	p.mu.Lock()
	p.setStateLocked(pkg.StateRunning)
	p.mu.Unlock()

	p.logger.Info("pipeline started",
		"strategy", string(p.cfg.FusionStrategy),
		"mode", string(p.cfg.Mode),
		"queue_capacity", p.cfg.QueueCapacity,
		"store", storeName(p.store))
	return nil
}

func (p *Pipeline) failStart(err error) {
	p.mu.Lock()
	p.setStateLocked(pkg.StateStopped)
	p.mu.Unlock()
	p.logger.Error("pipeline start failed", "error", err)
}

// Stop shuts the pipeline down synchronously. When it returns the
// consumer loop has exited and no further listener callbacks occur.
// Unprocessed queue entries are dropped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state != pkg.StateRunning && p.state != pkg.StateFailed {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(pkg.StateStopping)
	stopping := p.stopping
	p.mu.Unlock()

	p.producers.StopAll()
	close(stopping)
	p.queue.Close()
	p.consumer.Wait()

	// The dispatcher drains after the consumer so every queued
	// notification is delivered before Stop returns
	p.dispatcher.stop()

	p.mu.Lock()
	p.slots = make(map[pkg.SourceType]pkg.Fix)
	p.setStateLocked(pkg.StateStopped)
	p.mu.Unlock()

	p.perf.LogMetrics()
	p.logger.Info("pipeline stopped",
		"processed", p.stats.Processed.Load(),
		"emitted", p.stats.Emitted.Load(),
		"dropped", p.stats.Dropped.Load(),
		"queue_drops", p.queue.Drops())
}

// setStateLocked transitions the lifecycle state, notifying listeners
// and the supervisor. Caller holds p.mu.
func (p *Pipeline) setStateLocked(next pkg.PipelineState) {
	if p.state == next {
		return
	}
	prev := p.state
	p.state = next
	p.emitEvent(pkg.NewEvent(pkg.EventStateChange, "pipeline state changed",
		map[string]interface{}{"from": string(prev), "to": string(next)}))
	p.dispatcher.notifyStatus(next)
}

// fail transitions to the terminal Failed state on an unrecoverable
// invariant violation
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	p.lastFatal = err
	p.setStateLocked(pkg.StateFailed)
	p.mu.Unlock()

	p.logger.Error("pipeline failed", "error", err)
	p.emitEvent(pkg.NewEvent(pkg.EventFatal, err.Error(), nil))
}

// FatalError returns the error that moved the pipeline to Failed
func (p *Pipeline) FatalError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastFatal
}

// UpdateConfig validates and swaps the configuration. Processing
// components are rebuilt; sliding-window history restarts empty.
func (p *Pipeline) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cfg = cfg.Clone()
	p.buildComponents(p.cfg)
	p.logger.Info("configuration updated",
		"strategy", string(cfg.FusionStrategy),
		"mode", string(cfg.Mode))
	return nil
}

// Config returns a copy of the active configuration
func (p *Pipeline) Config() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Clone()
}

// SetMode swaps the correction mode, an orthogonal throttle over the
// emission interval; scene continues to drive strategy and weights
func (p *Pipeline) SetMode(mode pkg.CorrectionMode) error {
	switch mode {
	case pkg.ModeNormal, pkg.ModeHighAccuracy, pkg.ModeLowPower,
		pkg.ModeFastUpdate, pkg.ModeOffline:
	default:
		return fmt.Errorf("%w: unknown correction mode %q", pkg.ErrInvalidConfig, mode)
	}
	p.mu.Lock()
	p.cfg.Mode = mode
	p.mu.Unlock()
	return nil
}

// CurrentScene returns the classifier's active label
func (p *Pipeline) CurrentScene() pkg.Scene {
	return p.classifier.Current()
}

// GetCurrent returns the most recent corrected fix. With caching
// enabled the cache is consulted first; a cached value superseded by a
// later emission is never returned.
func (p *Pipeline) GetCurrent() (*pkg.CorrectedFix, bool) {
	p.mu.RLock()
	cache := p.cache
	last := p.lastCorrected
	lastTs := p.lastEmitTs
	m := p.metrics
	p.mu.RUnlock()

	if cache != nil && last != nil {
		if hit, ok := cache.get(fingerprint(&last.Original), lastTs); ok {
			if m != nil {
				m.CacheHits.Inc()
			}
			return hit, true
		}
		if m != nil {
			m.CacheMisses.Inc()
		}
	}
	if last == nil {
		return nil, false
	}
	out := *last
	return &out, true
}

// History returns up to n recent fixes from the history store
func (p *Pipeline) History(n int) ([]pkg.Fix, error) {
	if p.store == nil {
		return nil, nil
	}
	return p.store.Recent(n)
}

// Events exposes the supervisor event stream
func (p *Pipeline) Events() <-chan *pkg.Event {
	return p.events
}

// emitEvent forwards an event without ever blocking the caller
func (p *Pipeline) emitEvent(e *pkg.Event) {
	select {
	case p.events <- e:
	default:
	}
}

// Subscribe registers a listener for corrected fixes and status
// transitions. Calling Unsubscribe on the returned subscription releases
// both; a subscription that is dropped without Unsubscribe stays
// registered.
func (p *Pipeline) Subscribe(l Listener) *Subscription {
	return p.dispatcher.subscribe(l)
}

func storeName(st store.Store) string {
	if st == nil {
		return "none"
	}
	return st.Name()
}
