// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"sync/atomic"
	"time"
)

// Clock is a settable clock with millisecond resolution, safe for
// concurrent use. Its Now method fits queue.Options.TimeProvider.
type Clock struct {
	ms atomic.Int64
}

// NewClock returns a clock reading start.
func NewClock(start time.Time) *Clock {
	c := &Clock{}
	c.ms.Store(start.UnixMilli())

	return c
}

// Now returns the current reading.
func (c *Clock) Now() time.Time { return time.UnixMilli(c.ms.Load()).UTC() }

// Advance moves the clock by d, which may be negative.
func (c *Clock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) { c.ms.Store(t.UnixMilli()) }
