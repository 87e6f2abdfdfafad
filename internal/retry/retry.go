// Package retry implements a bounded exponential-backoff retry policy.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retried operation: a fixed attempt count with a delay
// that doubles (by Multiplier) between attempts up to MaxDelay.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewPolicy returns a policy with the conventional doubling multiplier
// and a 30s delay cap.
func NewPolicy(attempts int, delay time.Duration) Policy {
	return Policy{
		Attempts:   attempts,
		Delay:      delay,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or ctx
// is cancelled. It returns nil on success, ctx.Err() on cancellation,
// and otherwise the error from the last attempt.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	delay := p.Delay
	var lastErr error

	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
