package claw

import (
	"context"
	"time"
)

// timedMutex is an exclusive lock whose acquisition gives up after a bound
// instead of blocking forever. The zero value is not usable; use newTimedMutex.
type timedMutex struct {
	sem chan struct{}
}

func newTimedMutex() *timedMutex {
	return &timedMutex{sem: make(chan struct{}, 1)}
}

// TryLockFor waits at most d for the lock and reports whether it was acquired.
// It gives up early when ctx is done.
func (m *timedMutex) TryLockFor(ctx context.Context, d time.Duration) bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
	}
	if d <= 0 {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Unlock releases the lock. Unlocking an unlocked mutex panics.
func (m *timedMutex) Unlock() {
	select {
	case <-m.sem:
	default:
		panic("claw: unlock of unlocked timedMutex")
	}
}
