package clock

import "time"

// Clock supplies the current time. Period keys and reset dates are derived
// from it, so tests swap in a FakeClock.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func New() Clock {
	return SystemClock{}
}
