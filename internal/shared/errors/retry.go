package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"agora/internal/shared/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of retry attempts (default: 3)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // Maximum delay between retries (default: 30s)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry executes a function with exponential backoff retry logic.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// RetryWithResult executes a function returning a result with retry logic.
// Non-transient errors stop the loop immediately.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zero T

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d failed: %v", attempt+1, err)

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("max retries (%d) exhausted", config.MaxAttempts+1)
			break
		}

		delay := calculateBackoff(attempt, config)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("all %d attempts failed, last error: %w", config.MaxAttempts+1, lastErr)
}

// calculateBackoff returns baseDelay * 2^attempt capped at MaxDelay, with
// jitter applied.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
