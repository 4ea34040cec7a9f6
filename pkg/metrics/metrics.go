// Package metrics exposes pipeline counters through prometheus and a
// small HTTP server with /metrics and /healthz.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/locuskit/locus/pkg/logx"
)

// Metrics bundles the pipeline's prometheus instruments on a private
// registry
type Metrics struct {
	registry *prometheus.Registry

	FixesIngested prometheus.Counter
	QueueDrops    prometheus.Counter
	StageFailures *prometheus.CounterVec
	Anomalies     *prometheus.CounterVec
	Emissions     prometheus.Counter
	StoreErrors   prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	QueueDepth    prometheus.Gauge
	Confidence    prometheus.Gauge
	SceneChanges  prometheus.Counter
}

// New creates and registers the instruments
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FixesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locus_fixes_ingested_total",
		Help: "Raw fixes accepted into the ingest queue",
	})
	m.QueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locus_queue_drops_total",
		Help: "Fixes evicted from the ingest queue on overflow",
	})
	m.StageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_stage_failures_total",
		Help: "Processor stage failures by stage name",
	}, []string{"stage"})
	m.Anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_anomalies_total",
		Help: "Fixes flagged anomalous by origin",
	}, []string{"origin"})
	m.Emissions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locus_corrected_fixes_total",
		Help: "Corrected fixes emitted",
	})
	m.StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locus_store_errors_total",
		Help: "History store save failures",
	})
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locus_cache_hits_total",
		Help: "Corrected-fix cache hits",
	})
	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locus_cache_misses_total",
		Help: "Corrected-fix cache misses",
	})
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "locus_queue_depth",
		Help: "Current ingest queue length",
	})
	m.Confidence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "locus_last_confidence",
		Help: "Confidence of the most recent corrected fix",
	})
	m.SceneChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locus_scene_changes_total",
		Help: "Scene label transitions",
	})

	m.registry.MustRegister(
		m.FixesIngested, m.QueueDrops, m.StageFailures, m.Anomalies,
		m.Emissions, m.StoreErrors, m.CacheHits, m.CacheMisses,
		m.QueueDepth, m.Confidence, m.SceneChanges,
	)
	return m
}

// Handler serves the registry in prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server hosts /metrics and /healthz
type Server struct {
	server *http.Server
	logger *logx.Logger
}

// NewServer creates the HTTP server on the given listen address
func NewServer(listen string, m *Metrics, healthy func() bool, logger *logx.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy == nil || healthy() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "unhealthy")
	})

	return &Server{
		server: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("metrics server failed", "error", err)
			}
		}
	}()
	if s.logger != nil {
		s.logger.Info("metrics server listening", "addr", s.server.Addr)
	}
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
