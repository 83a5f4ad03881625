package session

import "time"

// Clock abstracts wall time so expiry behavior is testable. The registry
// arms real timers only when running on the real clock; under a fake clock
// tests drive expiry through SweepExpired directly.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall-clock implementation used in production.
func RealClock() Clock { return realClock{} }
