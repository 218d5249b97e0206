package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
)

// RetryConfig controls how remote calls are retried.
type RetryConfig struct {
	MaxAttempts    int           // total attempts including the first (default: 3)
	BaseDelay      time.Duration // wait before the first retry (default: 500ms)
	Multiplier     float64       // backoff multiplier, values below 1 are treated as 1 (default: 2.0)
	MaxDelay       time.Duration // cap on any single wait (default: 30s)
	AttemptTimeout time.Duration // deadline for one attempt, 0 disables (default: 30s)
}

// DefaultRetryConfig returns the defaults used when nothing is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Delay returns the wait before retry n (0 for the first retry).
// The result is min(BaseDelay*Multiplier^n, MaxDelay) and never decreases as n grows.
func (c RetryConfig) Delay(n int) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	limit := float64(math.MaxInt64)
	if c.MaxDelay > 0 {
		limit = float64(c.MaxDelay)
	}

	d := float64(c.BaseDelay) * math.Pow(mult, float64(n))
	if d >= limit || math.IsInf(d, 1) || math.IsNaN(d) {
		if c.MaxDelay > 0 {
			return c.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Retryable returns true if the error should trigger a retry.
// Network failures, server errors and attempt timeouts are retryable;
// rejections by the remote are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return apperrors.Is(err, apperrors.ErrRemoteUnavailable) || apperrors.Is(err, apperrors.ErrSyncTimeout)
}

// WithRetry executes fn until it succeeds, fails with a non-retryable error or
// runs out of attempts. Each attempt gets its own deadline when
// AttemptTimeout is set. The number of attempts made is returned alongside
// the result.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return result, attempt, nil
		}

		// The caller gave up; do not mistake that for an attempt timeout.
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}

		if !Retryable(err) {
			return zero, attempt, fmt.Errorf("%s: %w", op, err)
		}
		if attempt >= cfg.MaxAttempts {
			return zero, attempt, fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}

		timer := time.NewTimer(cfg.Delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
