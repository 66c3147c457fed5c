package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted wraps the last error once every attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retry calls fn until it succeeds, fn's error is not retryable, the context
// ends, or maxAttempts is reached. A nil retryable retries every error.
// The returned attempt count is 1-indexed.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, int, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, attempt, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, attempt, err
		}
		if attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return zero, attempt, err
		}
	}
	return zero, maxAttempts, errors.Join(ErrAttemptsExhausted, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
