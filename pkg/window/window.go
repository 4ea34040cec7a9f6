// Package window provides the bounded fix history shared by the outlier
// stage, the anomaly detectors and the scene classifier. The lock is
// internal and never held across caller code.
package window

import (
	"sync"

	"github.com/locuskit/locus/pkg"
)

// Window is a bounded, internally locked sliding window of fixes with
// monotonically non-decreasing capture times. Fixes marked as anomalies
// are never admitted, which keeps statistical baselines from drifting.
type Window struct {
	mu   sync.Mutex
	data []pkg.Fix
	max  int
}

// New creates a window bounded to max entries
func New(max int) *Window {
	if max <= 0 {
		max = 50
	}
	return &Window{data: make([]pkg.Fix, 0, max), max: max}
}

// Push admits a fix if it is not an anomaly and does not move time
// backwards. Returns whether the fix was admitted.
func (w *Window) Push(fix pkg.Fix) bool {
	if fix.Status == pkg.StatusAnomaly {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.data); n > 0 && fix.Timestamp < w.data[n-1].Timestamp {
		return false
	}
	if len(w.data) == w.max {
		copy(w.data, w.data[1:])
		w.data = w.data[:w.max-1]
	}
	w.data = append(w.data, fix)
	return true
}

// Snapshot returns a copy of the current contents, oldest first
func (w *Window) Snapshot() []pkg.Fix {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]pkg.Fix, len(w.data))
	copy(out, w.data)
	return out
}

// Last returns the most recent fix, or false when empty
func (w *Window) Last() (pkg.Fix, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.data) == 0 {
		return pkg.Fix{}, false
	}
	return w.data[len(w.data)-1], true
}

// Len returns the number of fixes held
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// Clear empties the window
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = w.data[:0]
}
