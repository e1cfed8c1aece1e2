package providers

import (
	"context"
	"math/rand"
	"time"
)

// RetryOptions configures WithRetry. Attempts counts retries after the
// initial call, so Attempts=2 means up to 3 invocations total.
type RetryOptions struct {
	Attempts    int
	BaseDelay   time.Duration
	IsRetryable func(error) bool
	// OnRetry is an observer invoked before each retry sleep.
	OnRetry func(attempt int, err error)
}

// WithRetry executes fn with bounded attempts and exponential backoff
// scaled by jitter in [0.7, 1.3). Non-retryable errors and the final
// failure are returned unchanged so callers can branch on the error kind.
func WithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if opts.IsRetryable != nil && !opts.IsRetryable(err) {
			return zero, err
		}
		if attempt >= opts.Attempts {
			return zero, lastErr
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err)
		}

		delay := backoffDelay(opts.BaseDelay, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// backoffDelay computes baseDelay * 2^attempt scaled by jitter in [0.7, 1.3).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	backoff := base << uint(attempt)
	jitter := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(backoff) * jitter)
}
