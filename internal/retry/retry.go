// Package retry implements the bounded retry-with-backoff primitive shared by
// service calls, per-entity subscription setup and credential refresh.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors the default retry predicate treats as permanent.
var (
	ErrNotSupported      = errors.New("feature not supported")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrEntityUnavailable = errors.New("entity not available")
)

// Policy configures Do.
type Policy struct {
	MaxAttempts int           // Total attempts including the first (min 1)
	BaseDelay   time.Duration // Delay before the second attempt
	Exponential bool          // Double the delay after every failed attempt
	MaxDelay    time.Duration // Upper bound for a single delay (0 = unbounded)

	// ShouldRetry decides whether a failed attempt is retried. attempt is the
	// 1-based number of the attempt that failed. Nil means DefaultShouldRetry.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Exponential: true,
		MaxDelay:    10 * time.Second,
	}
}

// permanentError marks an error as not retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that DefaultShouldRetry never retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DefaultShouldRetry retries everything except known non-retryable kinds,
// Permanent errors and cancellation. A timed-out attempt is retried; Do stops
// on its own once the parent context is done.
func DefaultShouldRetry(err error, _ int) bool {
	switch {
	case errors.Is(err, ErrNotSupported),
		errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrEntityUnavailable),
		errors.Is(err, context.Canceled),
		IsPermanent(err):
		return false
	}
	return true
}

// Delay returns the wait before the attempt following the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if p.Exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, the policy gives up, or ctx is done. The last
// error is returned unchanged so callers can match it with errors.Is.
func Do(ctx context.Context, op func(ctx context.Context) error, p Policy) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxAttempts || ctx.Err() != nil || !shouldRetry(err, attempt) {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, op func(ctx context.Context) (T, error), p Policy) (T, error) {
	var result T
	err := Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, p)
	return result, err
}

// String describes the policy for logging.
func (p Policy) String() string {
	return fmt.Sprintf("attempts=%d base=%s exponential=%t max=%s",
		p.MaxAttempts, p.BaseDelay, p.Exponential, p.MaxDelay)
}
