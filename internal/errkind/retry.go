package errkind

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig configures bounded retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	BaseDelay   time.Duration // delay before the first retry (default: 100ms)
	MaxDelay    time.Duration // cap on the backoff delay (default: 2s)
}

// DefaultRetryConfig matches the storage engine's conflict-retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Retry runs fn until it succeeds, the retryable classifier rejects the
// error, or attempts are exhausted. Exhaustion surfaces as TRANSACTION_ERROR
// wrapping the last failure.
func Retry(ctx context.Context, config RetryConfig, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	config = config.normalized()

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(attempt, config)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return Wrapf(KindTransaction, op, lastErr, "retries exhausted after %d attempts", config.MaxAttempts)
}

// backoffDelay computes baseDelay * 2^attempt capped at MaxDelay.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}
