package realtime

import (
	"context"
	mathrand "math/rand"
	"time"

	"github.com/golang/glog"
)

type RetrySettings struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func DefaultRetrySettings() *RetrySettings {
	return &RetrySettings{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// delay before the retry following `attempt` (1-based), without jitter
func (self *RetrySettings) BackoffDelay(attempt int) time.Duration {
	delay := self.InitialDelay
	for i := 1; i < attempt; i += 1 {
		delay = time.Duration(float64(delay) * self.BackoffMultiplier)
		if self.MaxDelay <= delay {
			return self.MaxDelay
		}
	}
	return min(delay, self.MaxDelay)
}

// random multiplier in [1.0, 1.25) so that many clients retrying the
// same outage do not synchronize into a retry storm
func retryJitter() float64 {
	return 1.0 + 0.25*mathrand.Float64()
}

// runs `op` up to `MaxAttempts` times, backing off between attempts.
// only transient failures consume a retry. everything else propagates
// immediately, un-wrapped. the final transient failure also surfaces
// un-wrapped so callers can match on the original error type.
func Retry[T any](ctx context.Context, settings *RetrySettings, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var err error
	for attempt := 1; ; attempt += 1 {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return result, err
		}
		if settings.MaxAttempts <= attempt {
			return result, err
		}

		delay := time.Duration(float64(settings.BackoffDelay(attempt)) * retryJitter())
		glog.V(2).Infof("[retry]attempt %d failed, next in %s = %s\n", attempt, delay, err)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}
