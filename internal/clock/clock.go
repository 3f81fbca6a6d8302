// Package clock implements the Lamport clock that orders events causally
// across devices.
//
// All cross-device ordering uses the logical lamportClock value, never
// wall-clock timestamps. Each locally created event ticks the clock;
// each replicated event observed from a peer advances the clock past the
// remote value so that subsequent local events causally follow it.
package clock

import "sync"

// Lamport is a monotonic logical clock.
//
// Thread-safety: all methods are safe for concurrent use. In practice the
// store's single-writer transaction boundary means only one goroutine ticks
// the clock at a time, but broadcast receipt may observe concurrently.
type Lamport struct {
	mu   sync.Mutex
	time int64
}

// New creates a clock starting at 0. The first Tick returns 1.
func New() *Lamport {
	return &Lamport{}
}

// NewAt creates a clock resuming from a known position, typically the
// maximum lamportClock already present in the local event log.
func NewAt(start int64) *Lamport {
	return &Lamport{time: start}
}

// Tick increments the clock and returns the new value. Each call returns a
// unique, strictly increasing value.
func (c *Lamport) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time++
	return c.time
}

// Observe advances the clock past a remote Lamport value: the new local
// time is max(local, remote)+1. Returns the new value.
func (c *Lamport) Observe(remote int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.time {
		c.time = remote
	}
	c.time++
	return c.time
}

// Current returns the clock's position without advancing it.
func (c *Lamport) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}
