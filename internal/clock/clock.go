// Package clock abstracts wall time so wait timeouts, start timeouts and
// pause timestamps can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of package time the engine depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since mirrors time.Since.
func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Ensure returns c, or Real when c is nil.
func Ensure(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
