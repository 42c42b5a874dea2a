package writer

import (
	"log/slog"
	"time"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// RetryConfig bounds re-execution of a failed operation.
// MaxRetries 0 means at-most-once: a failed operation is dropped immediately.
type RetryConfig struct {
	MaxRetries    int           // Extra attempts after the first (default: 0)
	RetryDelay    time.Duration // Initial backoff (default: 200ms)
	MaxRetryDelay time.Duration // Backoff cap (default: 2s)
}

// DefaultRetryConfig returns the at-most-once policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    0,
		RetryDelay:    200 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
	}
}

// runWithRetry executes apply until it succeeds or the retry budget is spent.
// It returns the last error and the number of attempts made.
//
// Backoff schedule with the defaults and MaxRetries=3:
//   - Retry 1: 200ms
//   - Retry 2: 400ms
//   - Retry 3: 800ms
//
// A stop does not interrupt the backoff; drain is bounded by the drain timeout.
func runWithRetry(op types.WriteOperation, cfg RetryConfig, apply func(types.WriteOperation) error, onRetry func()) (int, error) {
	attempt := 0
	for {
		attempt++
		err := apply(op)
		if err == nil {
			return attempt, nil
		}
		if attempt > cfg.MaxRetries {
			return attempt, err
		}

		delay := calculateBackoff(attempt, cfg)
		slog.Warn("writer: retrying operation",
			"kind", op.Kind,
			"target", op.Target,
			"seq", op.Seq,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if onRetry != nil {
			onRetry()
		}
		time.Sleep(delay)
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))

	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}

	return delay
}
