package ports

import "time"

// Clock abstracts time for the services so that cooldown and backoff
// scheduling are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
