// Package system provides the wall clock used for run timestamps.
package system

import "time"

// Clock implements stage.Clock. Times are UTC at microsecond precision,
// the resolution of a Postgres timestamptz, so a run read back from any
// store compares equal to the one that was written.
type Clock struct {
	now func() time.Time
}

// New creates a Clock over time.Now.
func New() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	now := time.Now
	if c != nil && c.now != nil {
		now = c.now
	}
	return now().UTC().Truncate(time.Microsecond)
}
