package logx

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PerformanceLogger tracks per-operation latency for pipeline stages,
// detectors and store writes
type PerformanceLogger struct {
	logger       *Logger
	metrics      map[string]*PerformanceMetric
	metricsMutex sync.RWMutex
}

// PerformanceMetric accumulates timing data for one named operation
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
	ErrorCount    int64         `json:"error_count"`
	SuccessRate   float64       `json:"success_rate"`
}

// PerformanceContext is the in-flight handle for one tracked operation
type PerformanceContext struct {
	metricName string
	startTime  time.Time
	logger     *PerformanceLogger
	ctx        context.Context
}

// NewPerformanceLogger creates a new performance logger
func NewPerformanceLogger(logger *Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger:  logger,
		metrics: make(map[string]*PerformanceMetric),
	}
}

// StartOperation starts tracking a performance operation
func (pl *PerformanceLogger) StartOperation(ctx context.Context, metricName string) *PerformanceContext {
	pl.metricsMutex.Lock()
	defer pl.metricsMutex.Unlock()

	if _, exists := pl.metrics[metricName]; !exists {
		pl.metrics[metricName] = &PerformanceMetric{
			Name:         metricName,
			MinDuration:  time.Hour,
			LastExecuted: time.Now(),
		}
	}

	return &PerformanceContext{
		metricName: metricName,
		startTime:  time.Now(),
		logger:     pl,
		ctx:        ctx,
	}
}

// Complete marks the operation as finished and records its duration
func (pc *PerformanceContext) Complete(err error) {
	duration := time.Since(pc.startTime)

	pc.logger.metricsMutex.Lock()
	defer pc.logger.metricsMutex.Unlock()

	metric := pc.logger.metrics[pc.metricName]
	metric.Count++
	metric.TotalDuration += duration
	metric.LastExecuted = time.Now()

	if duration < metric.MinDuration {
		metric.MinDuration = duration
	}
	if duration > metric.MaxDuration {
		metric.MaxDuration = duration
	}
	metric.AvgDuration = metric.TotalDuration / time.Duration(metric.Count)

	if err != nil {
		metric.ErrorCount++
	}
	metric.SuccessRate = float64(metric.Count-metric.ErrorCount) / float64(metric.Count) * 100

	if err != nil {
		pc.logger.logger.Error("operation failed",
			"metric", pc.metricName,
			"duration", duration.String(),
			"error", err.Error(),
			"success_rate", fmt.Sprintf("%.2f%%", metric.SuccessRate),
		)
	} else if duration > 100*time.Millisecond || metric.Count%1000 == 0 {
		pc.logger.logger.Debug("operation completed",
			"metric", pc.metricName,
			"duration", duration.String(),
			"avg_duration", metric.AvgDuration.String(),
			"total_operations", metric.Count,
		)
	}
}

// GetMetric returns a copy of a specific metric, or nil
func (pl *PerformanceLogger) GetMetric(name string) *PerformanceMetric {
	pl.metricsMutex.RLock()
	defer pl.metricsMutex.RUnlock()

	if metric, exists := pl.metrics[name]; exists {
		copied := *metric
		return &copied
	}
	return nil
}

// LogMetrics logs a summary line per tracked metric
func (pl *PerformanceLogger) LogMetrics() {
	pl.metricsMutex.RLock()
	defer pl.metricsMutex.RUnlock()

	for name, metric := range pl.metrics {
		pl.logger.Info("performance metric summary",
			"metric", name,
			"total_operations", metric.Count,
			"avg_duration", metric.AvgDuration.String(),
			"min_duration", metric.MinDuration.String(),
			"max_duration", metric.MaxDuration.String(),
			"success_rate", fmt.Sprintf("%.2f%%", metric.SuccessRate),
			"error_count", metric.ErrorCount,
		)
	}
}

// LogSlowOperations warns for metrics whose average exceeds the threshold
func (pl *PerformanceLogger) LogSlowOperations(threshold time.Duration) {
	pl.metricsMutex.RLock()
	defer pl.metricsMutex.RUnlock()

	for name, metric := range pl.metrics {
		if metric.AvgDuration > threshold {
			pl.logger.Warn("slow operation detected",
				"metric", name,
				"avg_duration", metric.AvgDuration.String(),
				"threshold", threshold.String(),
				"total_operations", metric.Count,
			)
		}
	}
}

// ResetMetrics clears all tracked metrics
func (pl *PerformanceLogger) ResetMetrics() {
	pl.metricsMutex.Lock()
	defer pl.metricsMutex.Unlock()

	pl.metrics = make(map[string]*PerformanceMetric)
}
