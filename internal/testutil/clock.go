package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time for a Clock.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source safe for concurrent use.
type Clock struct {
	now time.Time
	mu  sync.Mutex
}

// NewClock returns a Clock set to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
