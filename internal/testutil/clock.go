// Package testutil provides deterministic time and ID helpers for tests.
package testutil

import (
	"fmt"
	"sync"
	"time"
)

// WallClock is a thread-safe deterministic time source for tests.
//
// Each call to Now advances the clock by a fixed step, so a scenario that
// runs twice stamps identical timestamps both times. Pass its Now method
// to store.WithNow.
type WallClock struct {
	mu   sync.Mutex
	at   time.Time
	step time.Duration

	start time.Time
}

// NewWallClock creates a clock that starts at start and advances by step
// on every Now call. The first Now call returns start itself.
func NewWallClock(start time.Time, step time.Duration) *WallClock {
	return &WallClock{at: start, step: step, start: start}
}

// Now returns the current time and advances the clock by one step.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.at
	c.at = c.at.Add(c.step)
	return t
}

// Peek returns the time the next Now call will report, without advancing.
func (c *WallClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

// Advance moves the clock forward by d without consuming a step.
func (c *WallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

// Reset rewinds the clock to its start time for test reuse.
func (c *WallClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.start
}

// EventIDs produces n sequential IDs with the given prefix, e.g.
// "till-3-ev-0001". Feed the result to event.NewFixedGenerator for
// deterministic event logs.
func EventIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-ev-%04d", prefix, i+1)
	}
	return ids
}
