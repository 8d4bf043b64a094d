// Package throttle bounds how often a handler runs for a high-frequency
// event source while still delivering the last event of every burst.
package throttle

import (
	"sync"
	"time"

	"github.com/vincentbai/browsetrace-captcha/internal/clock"
)

// DefaultLimit is the interval used for pointer and touch motion.
const DefaultLimit = 100 * time.Millisecond

// Throttle wraps a handler so it executes at most once per limit. The
// first call runs immediately; calls inside the window replace a single
// pending trailing call that fires when the window reopens.
type Throttle[T any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   time.Duration
	fn      func(T)
	ran     bool
	lastRan time.Time
	pending clock.Timer
	gen     uint64
}

// New returns a Throttle around fn. A nil clock means wall time.
func New[T any](clk clock.Clock, limit time.Duration, fn func(T)) *Throttle[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Throttle[T]{clock: clk, limit: limit, fn: fn}
}

// Wrap is shorthand for New(...).Call.
func Wrap[T any](clk clock.Clock, limit time.Duration, fn func(T)) func(T) {
	return New(clk, limit, fn).Call
}

// Call delivers arg to the wrapped handler, now or after the window.
func (t *Throttle[T]) Call(arg T) {
	t.mu.Lock()
	now := t.clock.Now()
	if !t.ran {
		t.ran = true
		t.lastRan = now
		t.mu.Unlock()
		t.fn(arg)
		return
	}

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}

	elapsed := now.Sub(t.lastRan)
	if elapsed >= t.limit {
		t.lastRan = now
		t.gen++
		t.mu.Unlock()
		t.fn(arg)
		return
	}

	t.gen++
	gen := t.gen
	t.pending = t.clock.AfterFunc(t.limit-elapsed, func() { t.fire(gen, arg) })
	t.mu.Unlock()
}

// Stop cancels the pending trailing call, if any.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.gen++
}

// Pending reports whether a trailing call is scheduled.
func (t *Throttle[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Throttle[T]) fire(gen uint64, arg T) {
	t.mu.Lock()
	if gen != t.gen {
		// superseded between the timer firing and acquiring the lock
		t.mu.Unlock()
		return
	}
	t.pending = nil
	now := t.clock.Now()
	if now.Sub(t.lastRan) < t.limit {
		t.mu.Unlock()
		return
	}
	t.lastRan = now
	t.mu.Unlock()
	t.fn(arg)
}
