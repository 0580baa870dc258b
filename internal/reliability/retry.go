package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// RetryConfig controls Retry and Backoff.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig matches the queue policy: 3 attempts, exponential
// backoff starting at 1 second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Backoff returns the delay before the given retry attempt (0-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	if delay > float64(c.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter {
		// Up to 25% jitter keeps synchronized retries from stampeding.
		delay += delay * 0.25 * rand.Float64()
	}
	return time.Duration(delay)
}

// Retryable reports whether an error is worth retrying. Credential
// failures are terminal until re-auth happens; rate limits and other
// external-service failures are retried with backoff.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, provider.ErrAuthFailed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Retry runs fn up to MaxAttempts times with exponential backoff,
// respecting context cancellation and terminal error classification.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts-1 || !Retryable(lastErr) {
			break
		}

		select {
		case <-time.After(cfg.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
