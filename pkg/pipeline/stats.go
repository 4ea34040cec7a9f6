package pipeline

import "sync/atomic"

// Stats tracks pipeline operation counters
type Stats struct {
	Ingested      atomic.Int64
	Processed     atomic.Int64
	Dropped       atomic.Int64
	StageFailures atomic.Int64
	Anomalies     atomic.Int64
	Emitted       atomic.Int64
	StoreErrors   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters
type StatsSnapshot struct {
	Ingested      int64 `json:"ingested"`
	Processed     int64 `json:"processed"`
	Dropped       int64 `json:"dropped"`
	StageFailures int64 `json:"stage_failures"`
	Anomalies     int64 `json:"anomalies"`
	Emitted       int64 `json:"emitted"`
	StoreErrors   int64 `json:"store_errors"`
	QueueDrops    int64 `json:"queue_drops"`
	QueueDepth    int   `json:"queue_depth"`
}

// GetStats returns a snapshot of the counters
func (p *Pipeline) GetStats() StatsSnapshot {
	return StatsSnapshot{
		Ingested:      p.stats.Ingested.Load(),
		Processed:     p.stats.Processed.Load(),
		Dropped:       p.stats.Dropped.Load(),
		StageFailures: p.stats.StageFailures.Load(),
		Anomalies:     p.stats.Anomalies.Load(),
		Emitted:       p.stats.Emitted.Load(),
		StoreErrors:   p.stats.StoreErrors.Load(),
		QueueDrops:    p.queue.Drops(),
		QueueDepth:    p.queue.Len(),
	}
}
