package backtest

import (
	"sync"
	"time"
)

// Clock is the simulation time source. It only moves when observations arrive.
type Clock interface {
	Now() time.Time
	AdvanceTo(ts time.Time) bool
}

// VirtualClock is an in-memory clock driven by observation event time.
type VirtualClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewVirtualClock starts a clock at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

// Now returns the simulated time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AdvanceTo moves the clock to ts. It reports false, leaving the clock alone,
// when ts lies in the past.
func (c *VirtualClock) AdvanceTo(ts time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.Before(c.current) {
		return false
	}
	c.current = ts
	return true
}
