package collector

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
	"github.com/locuskit/locus/pkg/logx"
)

// SimulatedConfig shapes a simulated producer's emission
type SimulatedConfig struct {
	Kind       pkg.SourceType `json:"kind"`
	SourceID   string         `json:"source_id"`
	Interval   time.Duration  `json:"interval"`
	StartLat   float64        `json:"start_lat"`
	StartLon   float64        `json:"start_lon"`
	SpeedMS    float64        `json:"speed_ms"` // along-track speed
	BearingDeg float64        `json:"bearing_deg"`
	AccuracyM  float64        `json:"accuracy_m"` // nominal reported accuracy
	Seed       int64          `json:"seed"`
}

// Simulated emits a deterministic jittered walk for one source kind. It
// stands in for hardware drivers, which are outside the engine's scope.
type Simulated struct {
	config SimulatedConfig
	logger *logx.Logger
	health healthTracker

	mu      sync.Mutex
	handler func(pkg.Fix)
	latest  *pkg.Fix
	stop    chan struct{}
	done    chan struct{}
	running bool
	rng     *rand.Rand
	lat     float64
	lon     float64
}

// NewSimulated creates the producer; zero intervals default to one
// second
func NewSimulated(config SimulatedConfig, logger *logx.Logger) *Simulated {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.AccuracyM <= 0 {
		config.AccuracyM = 10
	}
	if config.SourceID == "" {
		config.SourceID = fmt.Sprintf("sim-%s", config.Kind)
	}
	return &Simulated{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(config.Seed)),
		lat:    config.StartLat,
		lon:    config.StartLon,
	}
}

func (s *Simulated) Name() string         { return s.config.SourceID }
func (s *Simulated) Kind() pkg.SourceType { return s.config.Kind }

func (s *Simulated) OnUpdate(handler func(pkg.Fix)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *Simulated) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.run(s.stop, s.done)
	return nil
}

func (s *Simulated) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Simulated) Latest() (pkg.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return pkg.Fix{}, false
	}
	return *s.latest, true
}

func (s *Simulated) Health() Health {
	return s.health.snapshot()
}

func (s *Simulated) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fix := s.nextFix()
			s.mu.Lock()
			s.latest = &fix
			handler := s.handler
			s.mu.Unlock()
			s.health.success()
			if handler != nil {
				handler(fix)
			}
		}
	}
}

// nextFix advances along the configured bearing and perturbs the
// position within the nominal accuracy disc
func (s *Simulated) nextFix() pkg.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.SpeedMS > 0 {
		step := s.config.SpeedMS * s.config.Interval.Seconds()
		s.lat, s.lon = geo.DestinationPoint(s.lat, s.lon, s.config.BearingDeg, step)
	}

	jitterDist := s.rng.Float64() * s.config.AccuracyM / 2
	jitterBearing := s.rng.Float64() * 360
	lat, lon := geo.DestinationPoint(s.lat, s.lon, jitterBearing, jitterDist)

	speed := s.config.SpeedMS
	bearing := s.config.BearingDeg
	accuracy := s.config.AccuracyM * (0.8 + 0.4*s.rng.Float64())

	return pkg.Fix{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  accuracy,
		Speed:     &speed,
		Bearing:   &bearing,
		Timestamp: time.Now().UnixMilli(),
		Source:    s.config.Kind,
		SourceID:  s.config.SourceID,
		Status:    pkg.StatusValid,
	}
}
