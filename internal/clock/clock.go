// Package clock provides a time abstraction for the scheduler and the
// dispatch watchdogs. Use RealClock in the server and MockClock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the runtime depends on.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	// It returns a Timer that can be used to cancel the call using its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single pending callback that can be stopped. Stop
// prevents the Timer from firing and reports whether it did so.
//
// It is an alias so Clock also satisfies extension.Clock.
type Timer = interface {
	Stop() bool
}

// UntilNext returns how long to wait from now until the next multiple of
// interval, measured in wall-clock time. A minute interval therefore lands on
// hh:mm:00 exactly.
func UntilNext(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Minute
	}
	next := now.Truncate(interval).Add(interval)
	return next.Sub(now)
}

// RealClock implements Clock using the standard time package
type RealClock struct{}

// NewRealClock creates a new RealClock instance
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc waits for the duration to elapse and then calls f
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock is a Clock whose time only moves when the test says so. Timers
// fire on the goroutine that moves the clock.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
	seq     int
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	seq      int
	f        func()
}

// NewMockClock creates a new MockClock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

// Now returns the mock current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to be called once the mock time reaches now+d
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &mockTimer{clock: c, deadline: c.current.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of timers that have neither fired nor been stopped
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d. Due timers fire one at a time in
// deadline order with Now reporting their deadline, so a callback that arms
// another timer inside the window sees it fire too.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		t.f()
	}

	c.mu.Lock()
	if target.After(c.current) {
		c.current = target
	}
	c.mu.Unlock()
}

// popDue removes and returns the earliest timer due by target, moving the
// clock to its deadline
func (c *MockClock) popDue(target time.Time) *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	for i, t := range c.timers {
		if t.deadline.After(target) {
			continue
		}
		if best < 0 || t.deadline.Before(c.timers[best].deadline) ||
			(t.deadline.Equal(c.timers[best].deadline) && t.seq < c.timers[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}

	t := c.timers[best]
	c.timers = append(c.timers[:best], c.timers[best+1:]...)
	if t.deadline.After(c.current) {
		c.current = t.deadline
	}
	return t
}

// Set moves the mock clock to t. Moving forward fires due timers; moving
// back fires nothing.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	now := c.current
	if !t.After(now) {
		c.current = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Advance(t.Sub(now))
}

// Stop prevents the timer from firing
func (t *mockTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
