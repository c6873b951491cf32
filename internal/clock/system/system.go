// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After waits for d and then sends the current time.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
