// Package hlc implements a hybrid logical clock. Ticks combine a
// truncated wall reading with a logical counter so that timestamps
// taken across surfaces stay totally ordered even when local clocks
// stall or run backwards.
package hlc

import (
	"sync"
	"time"
)

// Ticks packs wall time (upper 48 bits, ~65us resolution) and a
// logical counter (lower 16 bits).
type Ticks uint64

// Wall recovers the wall-clock portion as nanoseconds.
func (t Ticks) Wall() int64 { return int64(t>>16) << 16 }

// Counter recovers the logical portion.
func (t Ticks) Counter() uint16 { return uint16(t & 0xFFFF) }

type Clock struct {
	mu      sync.Mutex
	wall    int64
	counter uint32
}

func New() *Clock { return &Clock{} }

// Now returns a tick strictly greater than every tick previously
// returned or observed by this clock.
func (c *Clock) Now() Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := time.Now().UnixNano() >> 16
	if wall > c.wall {
		c.wall = wall
		c.counter = 0
	} else {
		c.counter++
	}
	return (Ticks(c.wall) << 16) | Ticks(c.counter&0xFFFF)
}

// Observe folds a remote tick into the clock so subsequent Now calls
// order after it.
func (c *Clock) Observe(remote Ticks) Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := (Ticks(c.wall) << 16) | Ticks(c.counter&0xFFFF)
	wallNow := Ticks(time.Now().UnixNano()>>16) << 16

	next := max(remote, max(wallNow, local)) + 1
	c.wall = int64(next >> 16)
	c.counter = uint32(next & 0xFFFF)
	return next
}
