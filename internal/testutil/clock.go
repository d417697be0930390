package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall-clock source that only moves when told to.
//
// Pass its Now method to engine.WithNow so event timestamps are
// reproducible across runs (golden traces, store rows).
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default start time of a ManualClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewManualClock creates a clock at start, or at Epoch when start is zero.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualClock{now: start}
}

// Now returns the current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
