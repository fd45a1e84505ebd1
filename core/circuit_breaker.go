// Package core provides fundamental abstractions shared by the
// authoritative and view sides of the dispatch/thunk engine.
//
// This file defines the CircuitBreaker interface used to protect the ipc
// send path: an authoritative process publishing state-updates or a view
// publishing dispatches should stop hammering a transport that is
// failing (dead view, disconnected socket, Redis down) instead of
// queuing retries forever.
//
// States:
//  1. Closed: sends pass through normally.
//  2. Open: sends fail immediately with core.ErrCircuitOpen.
//  3. Half-Open: a bounded number of probe sends are allowed through to
//     test whether the transport has recovered.
package core

import (
	"context"
	"time"
)

// CircuitState is one of the three states a CircuitBreaker occupies.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects a send path against cascading failures.
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. If the circuit is
	// open, returns core.ErrCircuitOpen immediately without calling fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout is Execute with an additional deadline on fn.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns "closed", "open", or "half-open".
	GetState() string

	// GetMetrics returns counters useful for a thunk-state/debug snapshot.
	GetMetrics() map[string]interface{}

	// Reset forces the breaker back to closed, clearing failure counts.
	Reset()

	// CanExecute reports whether Execute would currently be allowed
	// through, without performing a call.
	CanExecute() bool
}

// CircuitBreakerParams configures a CircuitBreaker implementation.
type CircuitBreakerParams struct {
	// Name identifies the breaker in logs and metrics, e.g. "ipc-send"
	// or "view-42".
	Name string

	Config CircuitBreakerConfig

	Logger    Logger
	Telemetry Telemetry
}

// DefaultCircuitBreakerParams returns sensible defaults for an ipc send
// breaker.
func DefaultCircuitBreakerParams(name string) CircuitBreakerParams {
	return CircuitBreakerParams{
		Name: name,
		Config: CircuitBreakerConfig{
			Enabled:          true,
			Threshold:        5,
			Timeout:          30 * time.Second,
			HalfOpenRequests: 3,
		},
	}
}
