// Package debounce provides a resettable one-shot timer that runs a callback
// once its interval elapses without being reset.
//
// # Concurrency
//
// All methods are safe for concurrent use, including from inside the callback.
// Every Start, Reset and Stop bumps a generation counter; a scheduled firing
// whose generation is stale by the time it acquires the lock is dropped. A
// firing that already began always runs its callback to completion. The lock
// is never held while the callback runs, so the callback may take other locks
// that callers of Reset/Stop also hold.
package debounce

import (
	"sync"
	"time"
)

// State is the lifecycle state of a Timer.
type State int

const (
	// Idle means nothing is scheduled.
	Idle State = iota
	// Armed means a firing is scheduled.
	Armed
	// Firing means the callback is running.
	Firing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	default:
		return "unknown"
	}
}

// scheduleFunc arms f to run after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Timer runs a callback once after its interval elapses without a Reset.
type Timer struct {
	interval time.Duration
	fn       func()
	schedule scheduleFunc

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel func() bool
}

// New returns an idle timer that calls fn once interval has elapsed after the
// last Start or Reset.
func New(interval time.Duration, fn func()) *Timer {
	return &Timer{
		interval: interval,
		fn:       fn,
		schedule: afterFunc,
	}
}

// Interval returns the debounce interval.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start arms the timer if it is not already armed. An armed timer keeps its
// current deadline.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Armed {
		return
	}
	t.armLocked()
}

// Reset re-arms the timer to the full interval. Resetting an idle timer
// starts it.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked()
}

// Stop cancels any pending firing and makes the timer idle. It reports whether
// a pending firing was canceled. A callback that is already running is not
// interrupted.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	canceled := t.state == Armed
	t.disarmLocked()
	t.gen++
	t.state = Idle
	return canceled
}

func (t *Timer) armLocked() {
	t.disarmLocked()
	t.gen++
	gen := t.gen
	t.state = Armed
	t.cancel = t.schedule(t.interval, func() { t.fire(gen) })
}

func (t *Timer) disarmLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != Armed {
		t.mu.Unlock()
		return
	}
	t.state = Firing
	t.cancel = nil
	t.mu.Unlock()

	t.fn()

	t.mu.Lock()
	// The callback or a concurrent caller may have re-armed or stopped the
	// timer; only a firing that is still current goes back to idle.
	if gen == t.gen && t.state == Firing {
		t.state = Idle
	}
	t.mu.Unlock()
}
