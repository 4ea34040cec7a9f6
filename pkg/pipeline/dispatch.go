package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

// Listener receives pipeline output. Callbacks run on the dispatcher
// goroutine, never the consumer, so a slow listener delays later
// notifications but not processing. A panicking listener is contained.
type Listener interface {
	OnLocationChanged(fix *pkg.CorrectedFix)
	OnStatusChanged(state pkg.PipelineState)
}

// ListenerFuncs adapts plain functions to the Listener interface; nil
// fields are skipped
type ListenerFuncs struct {
	LocationChanged func(fix *pkg.CorrectedFix)
	StatusChanged   func(state pkg.PipelineState)
}

func (l ListenerFuncs) OnLocationChanged(fix *pkg.CorrectedFix) {
	if l.LocationChanged != nil {
		l.LocationChanged(fix)
	}
}

func (l ListenerFuncs) OnStatusChanged(state pkg.PipelineState) {
	if l.StatusChanged != nil {
		l.StatusChanged(state)
	}
}

// Subscription is the handle owning one listener registration
type Subscription struct {
	id   string
	d    *dispatcher
	once sync.Once
}

// ID returns the subscription identifier
func (s *Subscription) ID() string { return s.id }

// Unsubscribe releases both callbacks. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.d.unsubscribe(s.id)
	})
}

// notice is one unit of dispatcher work
type notice struct {
	fix   *pkg.CorrectedFix
	state *pkg.PipelineState
}

// dispatcher serialises listener notifications on its own goroutine.
// Emission order is preserved per listener.
type dispatcher struct {
	mu        sync.Mutex
	listeners map[string]Listener
	logger    *logx.Logger

	ch      chan notice
	done    chan struct{}
	running bool
}

func newDispatcher(logger *logx.Logger) *dispatcher {
	return &dispatcher{
		listeners: make(map[string]Listener),
		logger:    logger,
	}
}

func (d *dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.ch = make(chan notice, 256)
	d.done = make(chan struct{})
	d.running = true
	go d.run(d.ch, d.done)
}

// stop drains queued notifications and waits for the goroutine; after
// it returns no further listener calls occur
func (d *dispatcher) stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	ch := d.ch
	done := d.done
	d.mu.Unlock()

	close(ch)
	<-done
}

func (d *dispatcher) run(ch <-chan notice, done chan<- struct{}) {
	defer close(done)

	for n := range ch {
		for _, l := range d.snapshot() {
			d.deliver(l, n)
		}
	}
}

// snapshot copies the listener set so callbacks fire outside the lock
func (d *dispatcher) snapshot() []Listener {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		out = append(out, l)
	}
	return out
}

func (d *dispatcher) deliver(l Listener, n notice) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Error("listener panicked", "panic", r)
		}
	}()

	if n.fix != nil {
		l.OnLocationChanged(n.fix)
	}
	if n.state != nil {
		l.OnStatusChanged(*n.state)
	}
}

func (d *dispatcher) subscribe(l Listener) *Subscription {
	id := uuid.NewString()
	d.mu.Lock()
	d.listeners[id] = l
	d.mu.Unlock()
	return &Subscription{id: id, d: d}
}

func (d *dispatcher) unsubscribe(id string) {
	d.mu.Lock()
	delete(d.listeners, id)
	d.mu.Unlock()
}

// notifyFix enqueues a corrected-fix notification; when the dispatcher
// is down or saturated the notification is dropped rather than blocking
func (d *dispatcher) notifyFix(fix *pkg.CorrectedFix) {
	d.send(notice{fix: fix})
}

// notifyStatus enqueues a state-change notification
func (d *dispatcher) notifyStatus(state pkg.PipelineState) {
	s := state
	d.send(notice{state: &s})
}

func (d *dispatcher) send(n notice) {
	d.mu.Lock()
	running := d.running
	ch := d.ch
	d.mu.Unlock()

	if !running {
		return
	}
	select {
	case ch <- n:
	default:
		if d.logger != nil {
			d.logger.Warn("dispatcher saturated, notification dropped")
		}
	}
}
