// Package clock supplies the time source used by lock expiry and the worker
// schedule.
package clock

import "time"

// Clock is the time source consumed by stores and the change worker.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the system clock. Times are always UTC.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Expired reports whether deadline is at or before now. A zero deadline never
// expires.
func Expired(c Clock, deadline time.Time) bool {
	if deadline.IsZero() {
		return false
	}
	return !c.Now().Before(deadline)
}
