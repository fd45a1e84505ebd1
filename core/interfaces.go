package core

import (
	"context"
	"sync"
)

// Logger is the minimal structured-logging interface every package in
// this module depends on. Implementations live in telemetry; core only
// depends on the interface to avoid a cyclic import.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a shared logger be re-tagged per component
// ("authority/scheduler", "view/dispatcher", ...) without constructing a
// new logger per caller. Component naming convention:
//
//	"authority/scheduler"    - ActionScheduler
//	"authority/thunks"       - ThunkManager / MainThunkProcessor
//	"authority/executor"     - ActionExecutor
//	"authority/subscription" - SubscriptionManager
//	"authority/ipc"          - authoritative-side IpcHandler
//	"view/dispatcher"        - ViewDispatcher
//	"view/batcher"           - ActionBatcher
//	"view/mirror"            - LocalMirror
//	"ipc/transport"          - transport implementations
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry is the optional tracing hook; NoOpTelemetry is used when no
// telemetry backend has been wired in.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a single unit of traced work.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpLogger discards everything; used as the zero-value default so
// every component can log unconditionally instead of nil-checking.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpTelemetry discards spans and metrics.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan discards attributes, events and errors.
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// ============================================================================
// Global metrics registry seam
// ============================================================================

// MetricsRegistry lets the telemetry module register itself with core so
// that authority/ and view/ can emit metrics (queue depth, batch size,
// thunk lifecycle counters) without importing telemetry directly - the
// same circular-dependency-avoidance seam gomind uses between its core
// and telemetry modules.
type MetricsRegistry interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)
}

var (
	globalMetricsRegistry MetricsRegistry
	metricsMu             sync.RWMutex
)

// SetMetricsRegistry is called by telemetry.Initialize to install the global
// metrics registry.
func SetMetricsRegistry(registry MetricsRegistry) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetricsRegistry = registry
}

// GetGlobalMetricsRegistry returns the registered MetricsRegistry, or nil
// if telemetry.Initialize has not been called. Callers must nil-check:
//
//	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
//	    reg.Counter("scheduler.actions.executed", "outcome", "ok")
//	}
func GetGlobalMetricsRegistry() MetricsRegistry {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetricsRegistry
}

// ============================================================================
// Global telemetry seam
// ============================================================================

var (
	globalTelemetry Telemetry = &NoOpTelemetry{}
	telemetryMu     sync.RWMutex
)

// SetGlobalTelemetry is called by telemetry.Initialize to install the
// global tracer, the same seam SetMetricsRegistry provides for metrics:
// authority/ and view/ start spans through GetGlobalTelemetry without
// importing telemetry directly. A nil argument restores NoOpTelemetry
// (telemetry.Shutdown calls this to stop any further span export).
func SetGlobalTelemetry(t Telemetry) {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()
	if t == nil {
		t = &NoOpTelemetry{}
	}
	globalTelemetry = t
}

// GetGlobalTelemetry returns the registered Telemetry, or NoOpTelemetry
// if telemetry.Initialize has not been called - callers never need to
// nil-check, unlike GetGlobalMetricsRegistry.
func GetGlobalTelemetry() Telemetry {
	telemetryMu.RLock()
	defer telemetryMu.RUnlock()
	return globalTelemetry
}
