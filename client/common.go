package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// withRetries runs fn until it succeeds, fails with anything other than a
// rate limit, or ctx ends while waiting out a Retry-After.
func withRetries[R any](ctx context.Context, logger *slog.Logger, fn func() (R, error)) (R, error) {
	var zero R
	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var limited *ErrRateLimited
		if !errors.As(err, &limited) {
			return zero, err
		}

		logger.Warn("Rate limited, waiting before retry", "attempt", attempt, "retry_after", limited.RetryAfter, "limit", limited.Limit, "burst", limited.Burst)
		timer := time.NewTimer(limited.RetryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("gave up after %d rate limited attempts: %w", attempt, ctx.Err())
		}
	}
}

func withRetriesVoid(ctx context.Context, logger *slog.Logger, fn func() error) error {
	_, err := withRetries(ctx, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
