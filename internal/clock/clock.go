// Package clock lets time-driven components (debounced writes, sync
// intervals, backoff schedules) run against a controllable clock in tests.
package clock

import "time"

// Clock is the subset of the time package the agent depends on.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
	// AfterFunc behaves like time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker behaves like time.NewTicker and panics when d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented the
// callback from running.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers ticks on C until stopped.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
