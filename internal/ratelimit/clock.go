package ratelimit

import "time"

// Clock abstracts time for deterministic rate-limit tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
