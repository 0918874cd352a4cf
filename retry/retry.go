// Package retry implements the bounded attempt loop used for sink delivery.
package retry

import (
	"context"
	"time"
)

// DefaultMaxAttempts is the default total number of attempts per delivery.
const DefaultMaxAttempts = 10

// Policy bounds an attempt loop.
//
// MaxAttempts is the total number of calls, including the first. A zero
// BaseDelay retries immediately; otherwise the delay before attempt i
// (1-based, i > 1) is BaseDelay * 2^(i-2), capped at MaxDelay when set.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default returns the immediate-retry policy with DefaultMaxAttempts.
func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts}
}

// Attempts returns the effective attempt bound (at least 1).
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay before the given 1-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 2
	if shift > 30 {
		shift = 30
	}
	d := p.BaseDelay << uint(shift)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it returns true or the attempt bound is reached.
// It returns the number of calls made and whether the last one succeeded.
// Cancellation of ctx aborts between attempts, never during one.
func Do(ctx context.Context, p Policy, fn func(attempt int) bool) (int, bool) {
	attempts := p.Attempts()
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			if err := ctx.Err(); err != nil {
				return i - 1, false
			}
			if d := p.Backoff(i); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-ctx.Done():
					timer.Stop()
					return i - 1, false
				case <-timer.C:
				}
			}
		}
		if fn(i) {
			return i, true
		}
	}
	return attempts, false
}
