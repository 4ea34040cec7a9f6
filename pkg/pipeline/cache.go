package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/locuskit/locus/pkg"
)

// fingerprint keys a fix by source and capture time rounded to the
// second, so bursts from the same source within a second share an entry
func fingerprint(fix *pkg.Fix) string {
	return fmt.Sprintf("%s:%d", fix.Source, fix.Timestamp/1000)
}

type cacheEntry struct {
	corrected *pkg.CorrectedFix
	expires   time.Time
}

// correctedCache maps fix fingerprints to the last emitted corrected
// fix with a TTL. Entries expire on read; a periodic sweep removes the
// rest. An entry superseded by a later-time emission is never returned.
type correctedCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	max     int
	ttl     time.Duration
}

func newCorrectedCache(max int, ttl time.Duration) *correctedCache {
	if max <= 0 {
		max = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &correctedCache{
		entries: make(map[string]cacheEntry, max),
		max:     max,
		ttl:     ttl,
	}
}

func (c *correctedCache) put(key string, corrected *pkg.CorrectedFix) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Never replace a newer emission with an older one
	if prev, ok := c.entries[key]; ok && prev.corrected.Timestamp > corrected.Timestamp {
		return
	}
	if len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{corrected: corrected, expires: time.Now().Add(c.ttl)}
}

// get returns the cached fix for the key unless it has expired or has
// been superseded by an emission with a later timestamp
func (c *correctedCache) get(key string, latestEmitTs int64) (*pkg.CorrectedFix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	if entry.corrected.Timestamp < latestEmitTs {
		delete(c.entries, key)
		return nil, false
	}
	out := *entry.corrected
	return &out, true
}

func (c *correctedCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expires.Before(oldest) {
			oldestKey = k
			oldest = e.expires
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *correctedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// startSweeper removes expired entries periodically until stop closes
func (c *correctedCache) startSweeper(stop <-chan struct{}) {
	interval := c.ttl / 5
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *correctedCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
