package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/locuskit/locus/pkg"
)

// DefaultCapacity bounds the ingest queue when no capacity is configured
const DefaultCapacity = 1000

// Queue is a bounded multi-writer single-reader FIFO of raw fixes.
// Push never blocks: on overflow the oldest element is evicted and the
// drop counter incremented. Insertion order across producers defines
// processing order.
type Queue struct {
	mu       sync.Mutex
	data     []pkg.Fix
	capacity int
	head     int
	tail     int
	size     int
	closed   bool

	drops  atomic.Int64
	pushes atomic.Int64

	// notify wakes a single PopWait caller after a push
	notify chan struct{}

	// onOverflow, when set, receives a diagnostic event per eviction.
	// It is invoked outside the queue lock.
	onOverflow func(*pkg.Event)
}

// New creates a queue with the given capacity; non-positive capacities
// fall back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		data:     make([]pkg.Fix, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// SetOverflowHandler installs the drop diagnostic callback
func (q *Queue) SetOverflowHandler(h func(*pkg.Event)) {
	q.mu.Lock()
	q.onOverflow = h
	q.mu.Unlock()
}

// Push enqueues a fix, evicting the oldest element when full. Returns
// pkg.ErrQueueClosed after Close.
func (q *Queue) Push(fix pkg.Fix) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return pkg.ErrQueueClosed
	}

	var evicted *pkg.Fix
	if q.size == q.capacity {
		old := q.data[q.head]
		evicted = &old
		q.head = (q.head + 1) % q.capacity
		q.size--
		q.drops.Add(1)
	}

	q.data[q.tail] = fix
	q.tail = (q.tail + 1) % q.capacity
	q.size++
	q.pushes.Add(1)
	handler := q.onOverflow
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	if evicted != nil && handler != nil {
		handler(pkg.NewEvent(pkg.EventQueueOverflow, "ingest queue full, oldest fix dropped",
			map[string]interface{}{
				"dropped_source": string(evicted.Source),
				"dropped_time":   evicted.Timestamp,
				"total_drops":    q.drops.Load(),
			}))
	}
	return nil
}

// Pop returns the oldest fix, or false when the queue is empty
func (q *Queue) Pop() (pkg.Fix, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return pkg.Fix{}, false
	}
	fix := q.data[q.head]
	q.data[q.head] = pkg.Fix{}
	q.head = (q.head + 1) % q.capacity
	q.size--
	return fix, true
}

// PopWait returns the oldest fix, waiting up to timeout for one to
// arrive. Returns false on timeout or after Close.
func (q *Queue) PopWait(timeout time.Duration) (pkg.Fix, bool) {
	if fix, ok := q.Pop(); ok {
		return fix, true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-q.notify:
			if fix, ok := q.Pop(); ok {
				return fix, true
			}
			// Woken but beaten to the element; keep waiting
		case <-deadline.C:
			return pkg.Fix{}, false
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return q.Pop()
		}
	}
}

// Len returns the number of queued fixes
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the configured capacity
func (q *Queue) Capacity() int {
	return q.capacity
}

// Drops returns the number of fixes evicted on overflow
func (q *Queue) Drops() int64 {
	return q.drops.Load()
}

// Pushes returns the total number of accepted pushes
func (q *Queue) Pushes() int64 {
	return q.pushes.Load()
}

// Close rejects further pushes. Queued fixes remain poppable so the
// consumer can drain on shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
