// Package clock provides the timestamp source used when authoring messages.
package clock

import (
	"sync"
	"time"
)

// Clock produces UNIX epoch timestamps in milliseconds. NowUnique returns
// strictly increasing values, even when called several times within the
// same millisecond, so locally authored messages keep a stable display order.
type Clock struct {
	mu         sync.Mutex
	lastUnique int64
	nowFn      func() int64 // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{
		nowFn: func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// Now returns the current UNIX epoch time in milliseconds.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// SetCurrentTime rebases the clock on t (UNIX milliseconds). The clock keeps
// advancing with wall time from that base. Useful on devices whose RTC was
// never set and that learn the time from a peer or a GPS fix.
func (c *Clock) SetCurrentTime(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	c.nowFn = func() int64 {
		return t + time.Since(base).Milliseconds()
	}
}

// NowUnique returns a strictly increasing timestamp. If the real clock
// hasn't advanced past the last returned value, the previous value is
// bumped by one millisecond.
func (c *Clock) NowUnique() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if t <= c.lastUnique {
		c.lastUnique++
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}
