// Package retry provides the shared retry-with-backoff primitive used by
// session recovery and subscription reconnect.
//
// Each call site supplies its own Policy values rather than re-deriving
// the algorithm.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy controls how many attempts are made and how the delay between
// them grows.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means the operation runs exactly once.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the delay each retry. Values below 1 are treated
	// as 1 (fixed delay).
	Multiplier float64
}

// DefaultPolicy returns the policy used when a caller passes a zero
// Policy: three retries, 500ms base, doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before the given retry attempt (attempt 0 is
// the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying and returns it immediately.
// Used for authentication failures, which must never be silently
// retried past the caller's notice.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs op, retrying per the policy until it succeeds, the retries are
// exhausted, the error is Permanent, or ctx is cancelled.
//
// The returned error is the last error from op (unwrapped if Permanent),
// or the context error when cancelled mid-wait.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p == (Policy{}) {
		p = DefaultPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, p.Delay(attempt-1)); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// wait sleeps for the delay or returns early when ctx is cancelled.
func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
