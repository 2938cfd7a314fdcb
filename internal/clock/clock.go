package clock

import "time"

// Clock abstracts wall time so jobs and services can be driven by a fake
// clock in tests. All times are UTC.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
