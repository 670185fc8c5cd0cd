package webhook

import "time"

// Timer is a single-shot timer that can be cancelled.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it
	// already fired or was stopped.
	Stop() bool
}

// Clock abstracts wall time and timer arming so tests can drive retry
// scheduling without real delays.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }
