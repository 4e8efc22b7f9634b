// Package clock abstracts timers and wall-clock reads so that
// speculative-execution delays, request deadlines and reconnection schedules
// can be driven deterministically in tests.
package clock

import "time"

// Clock supplies time reads and timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// NewTimer arms a cancellable timer. Timers must be stopped when their
	// owner completes early so they cannot fire after disposal.
	NewTimer(d time.Duration) Timer
}

// Timer is a single-shot timer that can be released before it fires.
type Timer interface {
	// C delivers at most one tick.
	C() <-chan time.Time
	// Stop releases the timer. It reports whether the timer was stopped
	// before firing.
	Stop() bool
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// NewTimer arms a standard-library timer.
func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time {
	return r.t.C
}

func (r realTimer) Stop() bool {
	return r.t.Stop()
}
