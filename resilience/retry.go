package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/itsneelabh/bridge/core"
)

// Retry runs fn with exponential backoff and jitter, matching the
// teacher's retry shape but sized to core.RetryConfig's fields
// (MaxAttempts/InitialInterval/MaxInterval/Multiplier) since this
// repository's config layer already enumerates those knobs
// (SPEC_FULL.md §A). A non-retryable error (core.IsRetryable) returns
// immediately without consuming further attempts.
func Retry(ctx context.Context, config core.RetryConfig, fn func() error) error {
	delay := config.InitialInterval
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	multiplier := config.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !core.IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		jittered := delay + time.Duration(float64(delay)*0.1*rand.Float64())
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * multiplier)
		if config.MaxInterval > 0 && delay > config.MaxInterval {
			delay = config.MaxInterval
		}
	}

	return core.NewEngineError(core.KindIpcCommunication, "Retry",
		"max retry attempts exceeded", lastErr, core.ErrorContext{})
}

// RetryWithCircuitBreaker composes Retry with a CircuitBreaker: each
// attempt is gated by the breaker so a trip mid-retry short-circuits
// the remaining attempts instead of waiting out their backoff,
// mirroring the teacher's RetryWithCircuitBreaker.
func RetryWithCircuitBreaker(ctx context.Context, config core.RetryConfig, cb core.CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
