// Package synctest adapts the teacher's deterministic logical clock
// (internal/testutil.DeterministicClock) into the merge package's Clock
// interface, giving merge-engine tests exact, repeatable timestamps instead
// of wall-clock microseconds.
package synctest

import "sync"

// Clock is a manually-advanceable stand-in for clock.Source.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu   sync.Mutex
	next int64
}

// NewClock creates a Clock whose first Now() call returns start.
func NewClock(start int64) *Clock {
	return &Clock{next: start}
}

// Now returns the next timestamp and advances by one.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.next
	c.next++
	return v
}

// Set forces the next Now() call to return ts.
func (c *Clock) Set(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = ts
}
