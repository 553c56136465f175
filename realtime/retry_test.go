package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastRetrySettings(maxAttempts int) *RetrySettings {
	return &RetrySettings{
		MaxAttempts:       maxAttempts,
		InitialDelay:      1 * time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	result, err := Retry(ctx, fastRetrySettings(5), func(ctx context.Context) (string, error) {
		attempts += 1
		if attempts < 3 {
			return "", NewConnectionError(nil)
		}
		return "ok", nil
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryNonTransientPropagatesImmediately(t *testing.T) {
	ctx := context.Background()

	rejection := &ServerRejectedError{
		Code:    "unauthorized",
		Message: "nope",
	}
	attempts := 0
	_, err := Retry(ctx, fastRetrySettings(5), func(ctx context.Context) (string, error) {
		attempts += 1
		return "", rejection
	})
	assert.Equal(t, rejection, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustionSurfacesOriginal(t *testing.T) {
	ctx := context.Background()

	original := NewConnectionError(nil)
	attempts := 0
	_, err := Retry(ctx, fastRetrySettings(3), func(ctx context.Context) (string, error) {
		attempts += 1
		return "", original
	})
	// surfaces un-wrapped
	assert.Equal(t, original, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryCircuitOpenNotRetried(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	_, err := Retry(ctx, fastRetrySettings(5), func(ctx context.Context) (string, error) {
		attempts += 1
		return "", &CircuitOpenError{
			RetryAfter: 10 * time.Second,
		}
	})
	assert.Equal(t, 1, attempts)
	_, ok := err.(*CircuitOpenError)
	assert.Equal(t, true, ok)
}

func TestBackoffDelayShape(t *testing.T) {
	settings := &RetrySettings{
		MaxAttempts:       10,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, settings.BackoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, settings.BackoffDelay(2))
	assert.Equal(t, 400*time.Millisecond, settings.BackoffDelay(3))
	assert.Equal(t, 800*time.Millisecond, settings.BackoffDelay(4))
	// capped
	assert.Equal(t, 1*time.Second, settings.BackoffDelay(5))
	assert.Equal(t, 1*time.Second, settings.BackoffDelay(9))
}

func TestRetryJitterRange(t *testing.T) {
	for i := 0; i < 1000; i += 1 {
		jitter := retryJitter()
		if jitter < 1.0 || 1.25 <= jitter {
			t.Fatalf("jitter out of range: %f", jitter)
		}
	}
}
