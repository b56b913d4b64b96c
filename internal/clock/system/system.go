// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements collector.Clock. Timestamps are returned in UTC so stored
// RunEvents compare consistently across backends.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the finest
// precision the SQL backends persist.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
