// Package loadtracker implements the load-tracking scheme described in the
// balancer's pair-selection policy: an outstanding-request counter per
// (worker, dp-rank) slot, exposed through a handle whose lifetime — not its
// allocation scope — determines how long the slot stays counted.
//
// A Slot must be held for as long as its associated response stream is being
// delivered to the client, and released exactly once when the stream ends
// (normally, on client disconnect, or on transport error). Counter and Slot
// are both safe for concurrent use.
package loadtracker

import "sync/atomic"

// Counter tracks the outstanding-request count for a single (worker, dp-rank)
// slot. The zero value is a valid, empty counter.
type Counter struct {
	n atomic.Int64
}

// NewCounter returns a fresh, zeroed counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Outstanding returns the current count. The result is a point-in-time
// observation; it may change concurrently.
func (c *Counter) Outstanding() int64 {
	return c.n.Load()
}

// Acquire hands out a Slot and increments the outstanding count by one. The
// caller owns the Slot and must Release it exactly once.
func (c *Counter) Acquire() *Slot {
	c.n.Add(1)
	return &Slot{counter: c}
}

// Slot is the handle returned by Counter.Acquire. Holding a Slot contributes
// +1 to its counter; Release gives that back. Release is idempotent — only
// the first call has any effect — so it is safe to call from both a deferred
// cleanup and an explicit stream-end handler without double-decrementing.
type Slot struct {
	counter  *Counter
	released atomic.Bool
}

// Release decrements the slot's counter. Calling Release more than once is a
// no-op after the first call.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	if s.released.CompareAndSwap(false, true) {
		s.counter.n.Add(-1)
	}
}
