package realtime

import (
	"sync"
	"time"

	"github.com/linkden/linkden/internal/model"
)

// DebounceSpec configures per-subscription event coalescing.
//
// Multiple events within Delay reset a trailing timer, so only the last
// event of a burst is delivered after Delay of silence. MaxWait, when
// set, caps how long delivery can be deferred under continuous event
// pressure. Leading additionally delivers the first event of a burst
// immediately.
type DebounceSpec struct {
	Delay   time.Duration
	MaxWait time.Duration
	Leading bool
}

// debouncer is an explicit timer-backed coalescing queue for one
// subscription. Its timers are owned here and cancelled deterministically
// by Close, so no timer fires after teardown.
type debouncer struct {
	spec    DebounceSpec
	deliver func(model.ChangeEvent)

	mu       sync.Mutex
	pending  *model.ChangeEvent
	timer    *time.Timer // trailing timer, reset on every event
	maxTimer *time.Timer // maxWait ceiling, armed once per burst
	inBurst  bool
	closed   bool
}

func newDebouncer(spec DebounceSpec, deliver func(model.ChangeEvent)) *debouncer {
	return &debouncer{spec: spec, deliver: deliver}
}

// Add coalesces an incoming event.
func (d *debouncer) Add(ev model.ChangeEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	if d.spec.Leading && !d.inBurst {
		d.inBurst = true
		d.armLocked()
		d.mu.Unlock()
		d.deliver(ev)
		return
	}

	d.inBurst = true
	d.pending = &ev
	d.armLocked()
	d.mu.Unlock()
}

// armLocked (re)starts the trailing timer and arms the maxWait ceiling
// if it is not already running for this burst.
func (d *debouncer) armLocked() {
	if d.timer == nil {
		d.timer = time.AfterFunc(d.spec.Delay, d.fire)
	} else {
		d.timer.Reset(d.spec.Delay)
	}

	if d.spec.MaxWait > 0 && d.maxTimer == nil {
		d.maxTimer = time.AfterFunc(d.spec.MaxWait, d.fire)
	}
}

// fire flushes the pending event, ending the burst.
func (d *debouncer) fire() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	ev := d.pending
	d.pending = nil
	d.inBurst = false
	d.stopTimersLocked()
	d.mu.Unlock()

	if ev != nil {
		d.deliver(*ev)
	}
}

// Flush delivers any pending event immediately.
func (d *debouncer) Flush() {
	d.fire()
}

// Close cancels the timers and discards any pending event. Safe to call
// multiple times.
func (d *debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.pending = nil
	d.inBurst = false
	d.stopTimersLocked()
}

func (d *debouncer) stopTimersLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.maxTimer != nil {
		d.maxTimer.Stop()
		d.maxTimer = nil
	}
}
