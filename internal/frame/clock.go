package frame

import "sync/atomic"

// Clock is a monotonic tick source. Each table owns one; it is not a
// package-level global, so multiple cache instances never share ticks.
type Clock struct {
	tick atomic.Int64
}

// Next advances and returns the next tick.
func (c *Clock) Next() int64 { return c.tick.Add(1) }

// Now returns the current tick without advancing it.
func (c *Clock) Now() int64 { return c.tick.Load() }
