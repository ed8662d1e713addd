// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements swarm.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed time from t, never negative.
func (c Clock) Since(t time.Time) time.Duration {
	d := c.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
