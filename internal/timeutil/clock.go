// Package timeutil abstracts the clock behind code that waits, so the
// acquisition retry loops can be tested without real sleeps.
package timeutil

import (
	"sync"
	"time"
)

// Clock supplies the time operations the reduction loops block on.
// RealClock is the production implementation; MockClock drives tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a timer that delivers on its channel once d has
	// elapsed.
	NewTimer(d time.Duration) Timer
}

// Timer is the clock-agnostic slice of time.Timer that waiting code
// needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// NewTimer wraps time.NewTimer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (rt realTimer) C() <-chan time.Time { return rt.t.C }
func (rt realTimer) Stop() bool          { return rt.t.Stop() }

// MockClock is a deterministic Clock for tests. Each NewTimer call
// advances the mock time by the full requested duration and returns an
// already-fired timer, so code that sleeps in a loop runs instantly
// while still observing time pass. After Hold, timers never fire,
// which exercises cancellation paths.
type MockClock struct {
	mu    sync.Mutex
	now   time.Time
	held  bool
	waits []time.Duration
}

// NewMockClock creates a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the mock clock forward without involving a timer.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Hold parks every subsequent timer: its channel never delivers, so a
// select over the timer and a context observes only the context.
func (c *MockClock) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = true
}

// Waits returns the durations requested from NewTimer so far.
func (c *MockClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// NewTimer records the request and, unless the clock is held, advances
// the mock time by d and returns a timer that has already fired.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	if c.held {
		return mockTimer{ch: make(chan time.Time)}
	}
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return mockTimer{ch: ch, fired: true}
}

type mockTimer struct {
	ch    chan time.Time
	fired bool
}

func (mt mockTimer) C() <-chan time.Time { return mt.ch }
func (mt mockTimer) Stop() bool          { return !mt.fired }
