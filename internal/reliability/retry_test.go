package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

func TestBackoffProgression(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}

	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))

	// Capped at MaxDelay, even for absurd attempt counts.
	assert.Equal(t, 30*time.Second, cfg.Backoff(10))
	assert.Equal(t, 30*time.Second, cfg.Backoff(1000))
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}

	for i := 0; i < 100; i++ {
		d := cfg.Backoff(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(provider.ErrAuthFailed))
	assert.False(t, Retryable(fmt.Errorf("fetch token: %w", provider.ErrAuthFailed)))
	assert.False(t, Retryable(context.Canceled))

	assert.True(t, Retryable(provider.ErrRateLimited))
	assert.True(t, Retryable(errors.New("connection reset")))
}

func TestRetryStopsOnTerminalError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return provider.ErrAuthFailed
	})
	assert.ErrorIs(t, err, provider.ErrAuthFailed)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return provider.ErrRateLimited
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("still broken")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}
