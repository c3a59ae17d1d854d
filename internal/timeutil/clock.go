// Package timeutil provides the two notions of time the tracker works with:
// a wall Clock used to measure cycle latency and timeouts, and the wrapping
// sensor stamp arithmetic in stamp.go.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the wall time source of the control loop, collector and ingest
// adapters. Production code uses RealClock; tests drive a MockClock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the tracker uses, with the channel
// behind a method so mocks can supply their own.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// RealClock reads the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTicker wraps time.NewTicker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

// MockClock is a Clock that only moves when Advance is called. After
// channels and tickers fire synchronously inside Advance, so a test that
// advances past a deadline can read the channel without sleeping.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

// mockTimer backs both After (period 0, removed once fired) and tickers.
type mockTimer struct {
	ch      chan time.Time
	due     time.Time
	period  time.Duration
	stopped bool
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the mocked time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d and fires every timer that is due.
// A ticker fires at most once per call and is rescheduled from the new time.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.timers[:0]
	for _, t := range c.timers {
		if c.now.Before(t.due) {
			kept = append(kept, t)
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
		if t.period > 0 {
			t.due = c.now.Add(t.period)
			kept = append(kept, t)
		}
	}
	c.timers = kept
}

// After returns a channel that receives the mocked time once the clock has
// been advanced by at least d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &mockTimer{ch: ch, due: c.now.Add(d)})
	return ch
}

// NewTicker returns a ticker driven by Advance.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{ch: make(chan time.Time, 1), due: c.now.Add(d), period: d}
	c.timers = append(c.timers, t)
	return &mockTicker{clock: c, timer: t}
}

// Pending reports how many After channels and tickers are still armed.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type mockTicker struct {
	clock *MockClock
	timer *mockTimer
}

func (t *mockTicker) C() <-chan time.Time { return t.timer.ch }

func (t *mockTicker) Stop() {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	t.timer.stopped = true
	for i, other := range c.timers {
		if other == t.timer {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
}

// Reset re-arms the ticker with period d from the current mocked time.
func (t *mockTicker) Reset(d time.Duration) {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.timer.stopped {
		t.timer.stopped = false
		c.timers = append(c.timers, t.timer)
	}
	t.timer.period = d
	t.timer.due = c.now.Add(d)
}
