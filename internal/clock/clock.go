package clock

import "time"

// Clock is the time source used by billing logic so jobs can run
// against a fake clock in tests.
type Clock interface {
	Now() time.Time
	// After mirrors time.After so waits inside billing loops follow
	// the same time source as their deadlines.
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewSystemClock returns a Clock backed by the wall clock (UTC).
func NewSystemClock() Clock { return systemClock{} }
