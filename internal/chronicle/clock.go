package chronicle

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing stamps in unix microseconds. A stamp
// follows wall time when it can and is last+1 otherwise, so a clock stepping
// backwards never reorders the log.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewClock returns a clock reading wall time from now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns the next stamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UnixMicro()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return n
}

// Observe makes every later stamp greater than stamp.
func (c *Clock) Observe(stamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stamp > c.last {
		c.last = stamp
	}
}
