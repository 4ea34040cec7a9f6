package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/fusion"
	"github.com/locuskit/locus/pkg/geo"
)

// consumeLoop is the single consumer draining the ingest queue. It
// signals ready once and exits when the stop channel closes.
func (p *Pipeline) consumeLoop(ready chan<- struct{}) {
	defer p.consumer.Done()
	close(ready)

	p.mu.RLock()
	batching := p.cfg.EnableBatching
	batchSize := p.cfg.BatchSize
	batchTimeout := p.cfg.BatchTimeout()
	p.mu.RUnlock()

	for {
		select {
		case <-p.stopping:
			return
		default:
		}

		if batching {
			batch := p.collectBatch(batchSize, batchTimeout)
			for _, fix := range batch {
				p.processFix(fix)
			}
			continue
		}

		fix, ok := p.queue.PopWait(popTimeout)
		if !ok {
			continue
		}
		p.processFix(fix)
	}
}

// collectBatch gathers up to size fixes, waiting at most timeout for the
// first and draining without waiting afterwards. Processing a batch as
// one unit amortises lock traffic on the shared windows.
func (p *Pipeline) collectBatch(size int, timeout time.Duration) []pkg.Fix {
	first, ok := p.queue.PopWait(timeout)
	if !ok {
		return nil
	}
	batch := make([]pkg.Fix, 1, size)
	batch[0] = first
	for len(batch) < size {
		fix, ok := p.queue.Pop()
		if !ok {
			break
		}
		batch = append(batch, fix)
	}
	return batch
}

// processFix runs one fix through the chain, the anomaly bank and, when
// a source quorum exists, fusion. A panic inside a stage or detector
// drops the fix and keeps the loop alive.
func (p *Pipeline) processFix(fix pkg.Fix) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.StageFailures.Add(1)
			p.stats.Dropped.Add(1)
			p.logger.Error("panic while processing fix, fix dropped",
				"panic", fmt.Sprintf("%v", r),
				"source", string(fix.Source))
		}
	}()

	p.stats.Processed.Add(1)
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	}

	// Input faults: out-of-range values are invalidated up front and
	// fall out below like any other invalid fix
	if !fix.InRange() {
		fix.Status = pkg.StatusInvalid
	}

	chainOp := p.perf.StartOperation(context.Background(), "processor_chain")
	processed, err := p.chain.Process(fix)
	chainOp.Complete(err)
	if err != nil {
		p.stats.StageFailures.Add(1)
		p.stats.Dropped.Add(1)
		if p.metrics != nil {
			p.metrics.StageFailures.WithLabelValues(stageOf(err)).Inc()
		}
		p.logger.Warn("stage failure, fix dropped", "error", err)
		p.emitEvent(pkg.NewEvent(pkg.EventStageFailure, err.Error(), nil))
		return
	}

	switch processed.Status {
	case pkg.StatusInvalid:
		p.stats.Dropped.Add(1)
		return
	case pkg.StatusAnomaly:
		p.recordAnomaly(processed, "outlier_stage")
		return
	}

	// Anomaly bank sees the accepted history as context
	recent := p.history.Snapshot()
	detectOp := p.perf.StartOperation(context.Background(), "anomaly_detect")
	verdict := p.composite.Detect(processed, recent)
	detectOp.Complete(nil)
	if verdict.IsAnomaly {
		p.recordAnomaly(processed, "composite")
		return
	}
	p.notePenalty(false)
	// The statistical baseline only ever sees fixes that survived the
	// whole bank, keeping condemned fixes out of its window
	p.statistical.Observe(processed)

	if processed.Status == pkg.StatusLowAccuracy {
		// Kept out of fusion but preserved in history storage
		p.saveFix(processed)
		return
	}

	p.history.Push(processed)
	p.classifier.Update(p.history.Snapshot(), time.Now())

	p.updateSlots(processed)
	p.maybeFuse(processed)
}

// recordAnomaly stores the flagged fix and keeps it away from slots and
// windows
func (p *Pipeline) recordAnomaly(fix pkg.Fix, origin string) {
	fix.Status = pkg.StatusAnomaly
	p.stats.Anomalies.Add(1)
	p.notePenalty(true)
	if p.metrics != nil {
		p.metrics.Anomalies.WithLabelValues(origin).Inc()
	}
	p.emitEvent(pkg.NewEvent(pkg.EventAnomaly, "fix flagged anomalous",
		map[string]interface{}{
			"origin": origin,
			"source": string(fix.Source),
			"time":   fix.Timestamp,
		}))
	p.saveFix(fix)
}

// notePenalty feeds the rolling anomaly-rate ring backing the
// confidence penalty
func (p *Pipeline) notePenalty(anomalous bool) {
	p.mu.Lock()
	p.recent[p.recentIdx] = anomalous
	p.recentIdx = (p.recentIdx + 1) % penaltyWindow
	if p.recentSize < penaltyWindow {
		p.recentSize++
	}
	p.mu.Unlock()
}

// anomalyPenalty scales fused confidence down as the recent anomaly
// rate rises, bottoming out at 0.5
func (p *Pipeline) anomalyPenalty() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.recentSize == 0 {
		return 1
	}
	count := 0
	for i := 0; i < p.recentSize; i++ {
		if p.recent[i] {
			count++
		}
	}
	rate := float64(count) / float64(p.recentSize)
	return 1 - 0.5*rate
}

// updateSlots stores the fix as its source's latest valid reading and
// expires slots that fell out of the correlation window
func (p *Pipeline) updateSlots(fix pkg.Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slots[fix.Source] = fix

	windowMs := p.cfg.CorrelationWindowMs
	for src, slot := range p.slots {
		if fix.Timestamp-slot.Timestamp > windowMs {
			delete(p.slots, src)
		}
	}
}

// maybeFuse emits a corrected fix when enough distinct sources are
// correlated and the debounce interval has elapsed
func (p *Pipeline) maybeFuse(trigger pkg.Fix) {
	p.mu.RLock()
	mode := p.cfg.Mode
	minInterval := p.cfg.MinCorrectionInterval()
	lastWall := p.lastEmitWall
	scene := p.classifier.Current()
	required := p.engine.MinRequiredSources(scene)

	fixes := make([]pkg.Fix, 0, len(p.slots))
	for _, slot := range p.slots {
		fixes = append(fixes, slot)
	}
	p.mu.RUnlock()

	if mode == pkg.ModeOffline {
		return
	}
	if len(fixes) < required {
		return
	}
	// Debounce: slots stay updated but no emission inside the interval
	if !lastWall.IsZero() && time.Since(lastWall) < minInterval {
		return
	}

	result, err := p.engine.Fuse(fixes, scene)
	if err != nil {
		p.logger.Warn("fusion failed", "error", err, "sources", len(fixes))
		return
	}

	corrected := p.buildCorrected(trigger, result, len(fixes))
	if corrected == nil {
		return
	}

	p.mu.RLock()
	floor := p.confidenceFloor
	alpha := p.smoothingFactor
	prev := p.lastCorrected
	p.mu.RUnlock()

	if corrected.Confidence < floor {
		p.logger.Debug("correction below confidence threshold, withheld",
			"confidence", corrected.Confidence, "threshold", floor)
		return
	}
	// Smooth the reported accuracy estimate across emissions; the
	// coordinates themselves stay inside the contributor bounding box
	if prev != nil && alpha > 0 && alpha < 1 {
		corrected.Accuracy = alpha*corrected.Accuracy + (1-alpha)*prev.Accuracy
	}

	p.publish(corrected)
}

// buildCorrected assembles the CorrectedFix and enforces the emission
// invariants. A violation that survives clamping is unrecoverable.
func (p *Pipeline) buildCorrected(original pkg.Fix, result *fusion.Result, sourceCount int) *pkg.CorrectedFix {
	ts := result.Timestamp
	if ts < original.Timestamp {
		ts = original.Timestamp
	}

	p.mu.RLock()
	lastTs := p.lastEmitTs
	p.mu.RUnlock()
	if ts < lastTs {
		// Publication times are monotonic non-decreasing
		ts = lastTs
	}

	confidence := result.Confidence * p.anomalyPenalty()
	if confidence < 0 || confidence > 1 {
		p.fail(fmt.Errorf("confidence invariant violated: %f", confidence))
		return nil
	}

	corrected := &pkg.CorrectedFix{
		Original:           original.Clone(),
		Latitude:           result.Latitude,
		Longitude:          result.Longitude,
		Altitude:           result.Altitude,
		Accuracy:           result.Accuracy,
		Timestamp:          ts,
		Confidence:         confidence,
		Method:             result.Method,
		CorrectionDistance: geo.Distance(original.Latitude, original.Longitude, result.Latitude, result.Longitude),
		Fused:              sourceCount > 1,
		SourceCount:        sourceCount,
		Details:            result.Details,
	}
	return corrected
}

// publish clears the correlation window, persists and dispatches one
// corrected fix
func (p *Pipeline) publish(corrected *pkg.CorrectedFix) {
	now := time.Now()

	p.mu.Lock()
	p.lastEmitWall = now
	p.lastEmitTs = corrected.Timestamp
	p.lastCorrected = corrected
	p.slots = make(map[pkg.SourceType]pkg.Fix)
	cache := p.cache
	p.mu.Unlock()

	p.stats.Emitted.Add(1)
	if p.metrics != nil {
		p.metrics.Emissions.Inc()
		p.metrics.Confidence.Set(corrected.Confidence)
	}

	if cache != nil {
		cache.put(fingerprint(&corrected.Original), corrected)
	}

	p.saveCorrected(corrected)

	// Notifications run on the dispatcher goroutine, outside all
	// internal locks
	p.dispatcher.notifyFix(corrected)

	p.logger.LogDebugVerbose("corrected_fix_emitted", map[string]interface{}{
		"lat":        corrected.Latitude,
		"lon":        corrected.Longitude,
		"confidence": corrected.Confidence,
		"method":     corrected.Method,
		"sources":    corrected.SourceCount,
	})
}

// saveFix persists a raw or anomalous fix; store failures degrade
// persistence but never stop the loop
func (p *Pipeline) saveFix(fix pkg.Fix) {
	if p.store == nil {
		return
	}
	saveOp := p.perf.StartOperation(context.Background(), "store_save")
	err := p.store.Save(fix)
	saveOp.Complete(err)
	if err != nil {
		p.stats.StoreErrors.Add(1)
		if p.metrics != nil {
			p.metrics.StoreErrors.Inc()
		}
		p.logger.Warn("history save failed", "error", err)
		p.emitEvent(pkg.NewEvent(pkg.EventStoreError, err.Error(), nil))
	}
}

// saveCorrected persists the emitted fix as a Fused-source record
func (p *Pipeline) saveCorrected(c *pkg.CorrectedFix) {
	fix := pkg.Fix{
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Altitude:  c.Altitude,
		Accuracy:  c.Accuracy,
		Timestamp: c.Timestamp,
		Source:    pkg.SourceFused,
		SourceID:  string(c.Original.Source),
		Status:    pkg.StatusValid,
		Attributes: map[string]string{
			"method":     c.Method,
			"confidence": fmt.Sprintf("%.3f", c.Confidence),
		},
	}
	p.saveFix(fix)
}

// stageOf extracts the stage name from a chain error for metric labels
func stageOf(err error) string {
	msg := err.Error()
	const prefix = "stage "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		for i := len(prefix); i < len(msg); i++ {
			if msg[i] == ':' {
				return msg[len(prefix):i]
			}
		}
	}
	return "unknown"
}
