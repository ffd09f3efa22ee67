// Package util provides shared utility functions for vectorguard.
package util

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// FixedRetryOptions returns retry options with a constant delay between attempts.
// attempts is the total number of tries (values below 1 are treated as 1).
// onRetry, if non-nil, is called after each failed attempt that will be retried.
func FixedRetryOptions(ctx context.Context, attempts int, delay time.Duration, onRetry func(attempt uint, err error)) []retry.Option {
	if attempts < 1 {
		attempts = 1
	}
	opts := []retry.Option{
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
	if onRetry != nil {
		opts = append(opts, retry.OnRetry(onRetry))
	}
	return opts
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	return retry.Do(fn, append([]retry.Option{retry.Context(ctx)}, opts...)...)
}

// Permanent marks err as not worth retrying; Retry returns it immediately.
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}
