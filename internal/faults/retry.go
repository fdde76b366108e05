package faults

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures exponential backoff for retryable error kinds.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultRetryPolicy matches the error_handling config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the backoff before the given attempt (1-based). Attempt 1 has
// no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.InitialDelay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		// Up to 25% jitter keeps concurrent retries from aligning.
		d += time.Duration(rand.Int64N(int64(d) / 4))
	}
	return d
}

// Retry runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. Only errors whose Kind is retryable are retried; any other error
// is returned immediately. Context cancellation aborts the wait.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if d := policy.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}
