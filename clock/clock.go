// Package clock wraps time behind an interface so timer-driven behavior
// (watchdogs, reconnect delays, playback progress) can be tested without
// waiting on the wall clock.
package clock

import "time"

// Clock is the time source for anything in orb that schedules work.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

// Timer is a pending callback armed with AfterFunc. Stop reports whether it
// was cancelled before firing.
type Timer interface {
	Stop() bool
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
