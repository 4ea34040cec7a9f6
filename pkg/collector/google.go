package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

// RadioScanner supplies the current WiFi and cellular environment for
// geolocation queries. Implementations wrap platform scan facilities.
type RadioScanner interface {
	ScanWiFi(ctx context.Context) ([]maps.WiFiAccessPoint, error)
	ScanCells(ctx context.Context) ([]maps.CellTower, error)
}

// GoogleConfig tunes the geolocation producer
type GoogleConfig struct {
	APIKey       string         `json:"api_key"`
	Kind         pkg.SourceType `json:"kind"` // wifi or cellular
	Interval     time.Duration  `json:"interval"`
	QueryTimeout time.Duration  `json:"query_timeout"`
	ConsiderIP   bool           `json:"consider_ip"`

	// BaseURL overrides the API endpoint, for proxies and tests
	BaseURL string `json:"base_url,omitempty"`
}

// Google resolves position from scanned radio environments through the
// Google Geolocation API
type Google struct {
	config  GoogleConfig
	client  *maps.Client
	scanner RadioScanner
	logger  *logx.Logger
	health  healthTracker

	mu      sync.Mutex
	handler func(pkg.Fix)
	latest  *pkg.Fix
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewGoogle creates the producer. The API key is required; scan data
// comes from the supplied scanner.
func NewGoogle(config GoogleConfig, scanner RadioScanner, logger *logx.Logger) (*Google, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("google geolocation requires an API key")
	}
	if config.Kind == "" {
		config.Kind = pkg.SourceWiFi
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 10 * time.Second
	}

	opts := []maps.ClientOption{maps.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(config.BaseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &Google{
		config:  config,
		client:  client,
		scanner: scanner,
		logger:  logger,
	}, nil
}

func (g *Google) Name() string         { return "google-geolocation" }
func (g *Google) Kind() pkg.SourceType { return g.config.Kind }

func (g *Google) OnUpdate(handler func(pkg.Fix)) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()
}

func (g *Google) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	g.running = true
	go g.run(ctx, g.done)
	return nil
}

func (g *Google) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.cancel()
	done := g.done
	g.mu.Unlock()
	<-done
}

func (g *Google) Latest() (pkg.Fix, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latest == nil {
		return pkg.Fix{}, false
	}
	return *g.latest, true
}

func (g *Google) Health() Health {
	return g.health.snapshot()
}

func (g *Google) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fix, err := g.query(ctx)
			if err != nil {
				g.health.failure(err)
				if g.logger != nil {
					g.logger.Warn("geolocation query failed", "error", err)
				}
				continue
			}
			g.health.success()

			g.mu.Lock()
			g.latest = &fix
			handler := g.handler
			g.mu.Unlock()
			if handler != nil {
				handler(fix)
			}
		}
	}
}

func (g *Google) query(ctx context.Context) (pkg.Fix, error) {
	qctx, cancel := context.WithTimeout(ctx, g.config.QueryTimeout)
	defer cancel()

	req := &maps.GeolocationRequest{ConsiderIP: g.config.ConsiderIP}
	if g.scanner != nil {
		if aps, err := g.scanner.ScanWiFi(qctx); err == nil {
			req.WiFiAccessPoints = aps
		}
		if cells, err := g.scanner.ScanCells(qctx); err == nil {
			req.CellTowers = cells
		}
	}
	if len(req.WiFiAccessPoints) == 0 && len(req.CellTowers) == 0 && !req.ConsiderIP {
		return pkg.Fix{}, fmt.Errorf("no radio environment to geolocate")
	}

	res, err := g.client.Geolocate(qctx, req)
	if err != nil {
		return pkg.Fix{}, fmt.Errorf("geolocate: %w", err)
	}

	fix := pkg.Fix{
		Latitude:  res.Location.Lat,
		Longitude: res.Location.Lng,
		Accuracy:  res.Accuracy,
		Timestamp: time.Now().UnixMilli(),
		Source:    g.config.Kind,
		SourceID:  g.Name(),
		Status:    pkg.StatusValid,
		Attributes: map[string]string{
			"access_points": fmt.Sprintf("%d", len(req.WiFiAccessPoints)),
			"cell_towers":   fmt.Sprintf("%d", len(req.CellTowers)),
		},
	}
	return fix, nil
}
