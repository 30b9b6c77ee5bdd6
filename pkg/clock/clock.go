// Package clock abstracts the time source used by reconnect, throttle and
// handoff timers so tests can drive them deterministically.
package clock

import "time"

type (
	Clock interface {
		Now() time.Time
		// AfterFunc calls f in its own goroutine (Real) or synchronously during
		// Advance (Fake) once d has elapsed.
		AfterFunc(d time.Duration, f func()) Timer
	}
	Timer interface {
		// Stop prevents the timer from firing. It returns false if the timer
		// already fired or was stopped.
		Stop() bool
	}
)

type realClock struct{}

func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
