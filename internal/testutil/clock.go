// Package testutil provides deterministic clocks and id generators so
// engine runs can be compared byte for byte.
package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe logical clock for tests.
//
// It stands in for the wall clock an event log uses to stamp appends: the
// first call to Next returns start+step, and every call advances by step.
// Reset rewinds it so the same scenario produces the same timestamps.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
}

// NewDeterministicClock creates a clock starting at 0 with step 1.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(0, 1)
}

// NewDeterministicClockAt creates a clock at start that advances by step.
// A step below 1 is treated as 1.
func NewDeterministicClockAt(start, step int64) *DeterministicClock {
	if step < 1 {
		step = 1
	}
	return &DeterministicClock{start: start, step: step, now: start}
}

// Next advances the clock and returns the new reading.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Current returns the current reading without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}

// Time returns the current reading as a time.Time, interpreting it as unix
// milliseconds. It does not advance the clock, so local cache stamps stay
// stable within a run.
func (c *DeterministicClock) Time() time.Time {
	return time.UnixMilli(c.Current()).UTC()
}
