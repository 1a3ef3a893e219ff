// Package clock wraps the handful of time-related standard library calls
// the visibility keeper's extend ticker depends on, so tests can run it
// without waiting on a wall clock.
package clock

import "time"

// Clock is an indirection around time.Now, time.NewTimer and
// time.NewTicker.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) (Timer, <-chan time.Time)
	NewTicker(d time.Duration) (Ticker, <-chan time.Time)
}

// Timer mirrors the subset of *time.Timer callers need.
type Timer interface {
	Stop() bool
}

// Ticker mirrors the subset of *time.Ticker callers need.
type Ticker interface {
	Stop()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) (Timer, <-chan time.Time) {
	t := time.NewTimer(d)
	return t, t.C
}

func (systemClock) NewTicker(d time.Duration) (Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

// System is the Clock backed by the operating system's clock.
var System Clock = systemClock{}
