// locusd is the location correction daemon: it wires collectors, the
// correction pipeline, the history store and the publishers, then runs
// until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/collector"
	"github.com/locuskit/locus/pkg/config"
	"github.com/locuskit/locus/pkg/logx"
	"github.com/locuskit/locus/pkg/metrics"
	"github.com/locuskit/locus/pkg/mqtt"
	"github.com/locuskit/locus/pkg/pipeline"
	"github.com/locuskit/locus/pkg/store"
)

var (
	version = "1.0.0"

	configPath  = flag.String("config", "", "path to JSON configuration file")
	logLevel    = flag.String("log-level", "", "override log level (trace|debug|info|warn|error)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("locusd %s\n", version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "locusd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.NewLogger(cfg.LogLevel, "locusd")
	logger.Info("starting locusd", "version", version)

	st, err := buildStore(cfg)
	if err != nil {
		logger.Error("history store setup failed", "error", err)
		os.Exit(1)
	}

	pipe, err := pipeline.New(cfg, st, logger.WithComponent("pipeline"))
	if err != nil {
		logger.Error("pipeline setup failed", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		pipe.SetMetrics(m)
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, m, pipe.IsRunning, logger.WithComponent("metrics"))
	}

	registerCollectors(pipe, cfg, logger)

	mqttClient := mqtt.NewClient(&mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Port:        cfg.MQTT.Port,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
		Retain:      cfg.MQTT.Retain,
		Enabled:     cfg.MQTT.Enabled,
	}, logger.WithComponent("mqtt"))
	if err := mqttClient.Connect(); err != nil {
		// Degraded remote publishing is not fatal; paho reconnects in
		// the background
		logger.Warn("mqtt connect failed", "error", err)
	}
	defer mqttClient.Close()

	sub := pipe.Subscribe(pipeline.ListenerFuncs{
		LocationChanged: func(fix *pkg.CorrectedFix) {
			if err := mqttClient.PublishFix(fix); err != nil {
				logger.Warn("mqtt publish failed", "error", err)
			}
		},
		StatusChanged: func(state pkg.PipelineState) {
			if err := mqttClient.PublishStatus(state); err != nil {
				logger.Warn("mqtt status publish failed", "error", err)
			}
		},
	})
	defer sub.Unsubscribe()

	if err := pipe.Start(); err != nil {
		logger.Error("pipeline start failed", "error", err)
		os.Exit(1)
	}
	if metricsServer != nil {
		metricsServer.Start()
	}

	go superviseEvents(pipe, mqttClient, logger)
	go logStatsPeriodically(pipe, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	pipe.Stop()
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Stop(ctx)
		cancel()
	}
	if st != nil {
		st.Close()
	}
	logger.Info("locusd stopped")
}

// buildStore selects the configured history backend
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemoryStore(cfg.Store.Capacity), nil
	case "file":
		return store.NewFileStore(store.FileStoreConfig{Path: cfg.Store.Path},
			logx.NewLogger(cfg.LogLevel, "store")), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path), nil
	case "bolt":
		return store.NewBoltStore(cfg.Store.Path), nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", pkg.ErrInvalidConfig, cfg.Store.Backend)
	}
}

// registerCollectors wires the enabled source kinds. Simulated walkers
// stand in where no hardware integration is configured.
func registerCollectors(pipe *pipeline.Pipeline, cfg *config.Config, logger *logx.Logger) {
	clog := logger.WithComponent("collector")

	if cfg.EnableGNSS {
		pipe.RegisterProducer(collector.NewSimulated(collector.SimulatedConfig{
			Kind:      pkg.SourceGNSS,
			Interval:  time.Second,
			StartLat:  39.9042,
			StartLon:  116.4074,
			AccuracyM: 5,
			Seed:      1,
		}, clog))
	}
	if cfg.EnableWiFi {
		if cfg.Google.Enabled {
			google, err := collector.NewGoogle(collector.GoogleConfig{
				APIKey:     cfg.Google.APIKey,
				Kind:       pkg.SourceWiFi,
				Interval:   time.Duration(cfg.Google.IntervalMs) * time.Millisecond,
				ConsiderIP: cfg.Google.ConsiderIP,
			}, nil, clog)
			if err != nil {
				logger.Warn("google geolocation setup failed, using simulated wifi", "error", err)
			} else {
				pipe.RegisterProducer(google)
			}
		}
		if _, ok := pipe.Producers().Get(pkg.SourceWiFi); !ok {
			pipe.RegisterProducer(collector.NewSimulated(collector.SimulatedConfig{
				Kind:      pkg.SourceWiFi,
				Interval:  2 * time.Second,
				StartLat:  39.9042,
				StartLon:  116.4074,
				AccuracyM: 20,
				Seed:      2,
			}, clog))
		}
	}
	if cfg.EnableCellular {
		pipe.RegisterProducer(collector.NewSimulated(collector.SimulatedConfig{
			Kind:      pkg.SourceCellular,
			Interval:  5 * time.Second,
			StartLat:  39.9042,
			StartLon:  116.4074,
			AccuracyM: 150,
			Seed:      3,
		}, clog))
	}
}

// superviseEvents forwards pipeline diagnostics to the log and MQTT
func superviseEvents(pipe *pipeline.Pipeline, mqttClient *mqtt.Client, logger *logx.Logger) {
	for event := range pipe.Events() {
		switch event.Type {
		case pkg.EventFatal:
			logger.Error("pipeline fatal event", "message", event.Message)
		case pkg.EventQueueOverflow, pkg.EventStoreError:
			logger.Warn("pipeline event", "type", string(event.Type), "message", event.Message)
		default:
			logger.Debug("pipeline event", "type", string(event.Type), "message", event.Message)
		}
		if err := mqttClient.PublishEvent(event); err != nil {
			logger.Debug("mqtt event publish failed", "error", err)
		}
	}
}

func logStatsPeriodically(pipe *pipeline.Pipeline, logger *logx.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if !pipe.IsRunning() {
			continue
		}
		stats := pipe.GetStats()
		logger.Info("pipeline statistics",
			"ingested", stats.Ingested,
			"processed", stats.Processed,
			"emitted", stats.Emitted,
			"anomalies", stats.Anomalies,
			"dropped", stats.Dropped,
			"queue_drops", stats.QueueDrops,
			"queue_depth", stats.QueueDepth,
			"scene", string(pipe.CurrentScene()))
	}
}
