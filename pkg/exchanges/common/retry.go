package common

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds transient-failure retries: Attempts total tries with
// the delay doubling after each failure.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
}

// DefaultRetryPolicy matches the venue-call contract: 3 attempts, doubling
// from 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialDelay: 500 * time.Millisecond}
}

// Retry runs fn until it succeeds, the policy is exhausted, or the context
// is canceled. Venue rejections are terminal: a refused order must not be
// replayed.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	delay := policy.InitialDelay

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrBelowMinimum) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
