package segment

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RetryConfig controls the exponential backoff between failed requests.
type RetryConfig struct {
	RetryDelay    time.Duration // initial delay (default 100ms)
	MaxRetryDelay time.Duration // cap (default 5s)
}

// DefaultRetryConfig returns the default backoff schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
	}
}

// AttemptFunc performs one request.
type AttemptFunc func(ctx context.Context) error

// RunWithRetry calls fn until it succeeds or ctx is done. There is no retry
// limit: the caller must not advance without a result.
//
// Backoff schedule: delay = RetryDelay * 2^(attempt-1), capped at
// MaxRetryDelay.
func RunWithRetry(ctx context.Context, fn AttemptFunc, cfg RetryConfig, failures *uint64) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("segment: service recovered", "failed_attempts", attempt)
			}
			return nil
		}

		attempt++
		if failures != nil {
			atomic.AddUint64(failures, 1)
		}
		delay := calculateBackoff(attempt, cfg)
		slog.Warn("segment: request failed, retrying",
			"error", err,
			"attempt", attempt,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped at
// MaxRetryDelay.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
