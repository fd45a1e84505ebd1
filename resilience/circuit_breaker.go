// Package resilience provides the protective layer wrapped around the
// ipc send path: a CircuitBreaker (this file) and an exponential-backoff
// Retry helper (retry.go), adapted from gomind's resilience package.
//
// The teacher's CircuitBreaker is a general-purpose call guard sized for
// arbitrary external calls (HTTP, gRPC, tool invocation) with a sliding
// error-rate window, force-open/force-closed test hooks, and orphaned-
// request cleanup. This engine has exactly one call site that needs
// guarding - ipc.Transport.Send, invoked by the authoritative IpcHandler
// for every view and by ActionBatcher for every flush - so this
// implementation keeps the teacher's three-state machine (closed / open
// / half-open) and consecutive-failure-threshold trip condition, and
// drops the sliding-window error-rate variant and the force-state test
// hooks the teacher carries for its broader caller population.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/bridge/core"
)

// CircuitBreaker implements core.CircuitBreaker with a consecutive-
// failure trip condition, matching the teacher's StateClosed /
// StateOpen / StateHalfOpen state machine.
type CircuitBreaker struct {
	name   string
	config core.CircuitBreakerConfig
	logger core.Logger

	mu               sync.Mutex
	state            core.CircuitState
	consecutiveFails int
	halfOpenInFlight int
	openedAt         time.Time
}

// NewCircuitBreaker builds a breaker for one named call site (e.g.
// "ipc-send-view-42"). A disabled config produces a breaker that always
// reports Closed and never rejects.
func NewCircuitBreaker(name string, config core.CircuitBreakerConfig, logger core.Logger) *CircuitBreaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{name: name, config: config, logger: logger, state: core.CircuitClosed}
}

func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.config.Enabled {
		return fn()
	}
	if !cb.admit() {
		return core.NewEngineError(core.KindIpcCommunication, "CircuitBreaker.Execute",
			"circuit "+cb.name+" is open", core.ErrCircuitOpen, core.ErrorContext{Channel: cb.name})
	}
	err := fn()
	cb.complete(err)
	return err
}

func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	return cb.Execute(ctx, func() error {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return err
		case <-time.After(timeout):
			return core.NewEngineError(core.KindIpcCommunication, "CircuitBreaker.ExecuteWithTimeout",
				"call exceeded timeout", core.ErrSendFailed, core.ErrorContext{Channel: cb.name})
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// admit reports whether a call may proceed, transitioning Open ->
// Half-Open once the configured timeout has elapsed.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case core.CircuitClosed:
		return true
	case core.CircuitOpen:
		if time.Since(cb.openedAt) < cb.config.Timeout {
			return false
		}
		cb.transitionLocked(core.CircuitHalfOpen)
		fallthrough
	case core.CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) complete(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == core.CircuitHalfOpen {
		cb.halfOpenInFlight--
	}

	if err == nil {
		cb.consecutiveFails = 0
		if cb.state == core.CircuitHalfOpen {
			cb.transitionLocked(core.CircuitClosed)
		}
		return
	}

	if cb.state == core.CircuitHalfOpen {
		cb.transitionLocked(core.CircuitOpen)
		return
	}

	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.config.Threshold {
		cb.transitionLocked(core.CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to core.CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == core.CircuitOpen {
		cb.openedAt = time.Now()
		cb.halfOpenInFlight = 0
	}
	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.name, "from": from.String(), "to": to.String(),
	})
}

func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":               cb.name,
		"state":              cb.state.String(),
		"consecutive_fails":  cb.consecutiveFails,
		"half_open_inflight": cb.halfOpenInFlight,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = 0
	cb.transitionLocked(core.CircuitClosed)
}

func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.config.Enabled {
		return true
	}
	if cb.state == core.CircuitOpen {
		return time.Since(cb.openedAt) >= cb.config.Timeout
	}
	return true
}
