package engine

import "sync/atomic"

// Clock is the monotonic logical clock that sequences change events.
//
// Every event published by the notifier is stamped with a strictly
// increasing seq from this clock. Wall-clock timestamps are carried for
// humans; seq is the ordering key.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// The notifier calls Next() under its own lock, so seq order equals
// delivery order for every subscriber.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used to continue numbering after events already persisted to a store.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
