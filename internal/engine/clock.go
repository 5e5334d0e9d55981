// Package engine implements the scheduling, recovery, and execution core:
// the planner that turns settings into daily execution intents, the timer
// dispatcher that fires them, the executor that drives one sync attempt
// end-to-end, and the recovery sweep that re-drives missed, failed, and
// stuck intents.
package engine

import "time"

// Clock abstracts wall-clock reads and timer creation so the scheduler,
// planner, and recovery logic are testable independent of real time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the stoppable handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already
	// fired or was stopped.
	Stop() bool
}

// RealClock delegates to the time package.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on a real timer.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
