package scheduler

import "time"

// BreakerState is the circuit state of a task.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
	// BreakerHalted never lets a run through again.
	BreakerHalted
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerHalted:
		return "halted"
	default:
		return "closed"
	}
}

// breaker opens after threshold consecutive failures and lets one trial
// run through once coolDown has passed. Not safe for concurrent use.
type breaker struct {
	threshold int
	coolDown  time.Duration

	state    BreakerState
	failures int
	openedAt time.Time
}

func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.state = BreakerHalfOpen
		return true
	case BreakerHalted:
		return false
	default:
		return true
	}
}

func (b *breaker) success() {
	b.state = BreakerClosed
	b.failures = 0
}

// failure records a failed run and reports whether the circuit just opened
// from the closed state.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = now
			return true
		}
	}
	return false
}

// halt stops the task for good and reports whether it was running before.
func (b *breaker) halt(now time.Time) bool {
	if b.state == BreakerHalted {
		return false
	}
	b.failures++
	b.state = BreakerHalted
	b.openedAt = now
	return true
}
