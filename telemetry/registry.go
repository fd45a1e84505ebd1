package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/bridge/core"
)

// Registry is the process-wide telemetry backend: it owns the
// OTelProvider and implements core.MetricsRegistry so authority/ and
// view/ code can emit metrics without importing this package directly
// (core.GetGlobalMetricsRegistry), the same seam gomind uses between
// its core and telemetry modules.
type Registry struct {
	config    Config
	provider  *OTelProvider
	logger    *TelemetryLogger
	emitted   atomic.Int64
	startTime time.Time
}

var (
	globalRegistry atomic.Value // *Registry
	initOnce       sync.Once
)

// Initialize activates telemetry for this process. Safe to call once;
// later calls are no-ops (mirroring the teacher's sync.Once guard).
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		logger := NewTelemetryLogger(config.ServiceName)
		logger.Info("telemetry initialization starting", map[string]interface{}{
			"service_name": config.ServiceName,
			"endpoint":     config.Endpoint,
		})

		registry, err := newRegistry(config)
		if err != nil {
			initErr = err
			logger.Error("telemetry initialization failed", map[string]interface{}{"error": err.Error()})
			return
		}
		registry.logger = logger

		globalRegistry.Store(registry)
		logger.EnableMetrics()
		core.SetMetricsRegistry(registry)
		core.SetGlobalTelemetry(registry.provider)

		logger.Info("telemetry system initialized", map[string]interface{}{
			"initialization_ms": time.Since(registry.startTime).Milliseconds(),
		})
	})
	return initErr
}

func newRegistry(config Config) (*Registry, error) {
	startTime := time.Now()

	if config.ServiceName == "" {
		config.ServiceName = "bridge"
	}

	provider, err := NewOTelProvider(config.ServiceName, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create otel provider: %w", err)
	}

	return &Registry{config: config, provider: provider, startTime: startTime}, nil
}

// Counter implements core.MetricsRegistry.
func (r *Registry) Counter(name string, labels ...string) {
	r.emit(name, 1, parseLabels(labels...))
}

// Gauge implements core.MetricsRegistry.
func (r *Registry) Gauge(name string, value float64, labels ...string) {
	r.emit(name, value, parseLabels(labels...))
}

// Histogram implements core.MetricsRegistry.
func (r *Registry) Histogram(name string, value float64, labels ...string) {
	r.emit(name, value, parseLabels(labels...))
}

// EmitWithContext implements core.MetricsRegistry, folding request-scoped
// baggage into the emitted label set.
func (r *Registry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	all := appendBaggageToLabels(ctx, labels)
	defer returnLabelSlice(all)
	r.emit(name, value, parseLabels(all...))
}

func (r *Registry) emit(name string, value float64, labels map[string]string) {
	if r.provider == nil {
		return
	}
	r.provider.RecordMetric(name, value, labels)
	r.emitted.Add(1)
}

// Shutdown tears down the global registry's provider and unregisters it
// from core, so subsequent Counter/Gauge/Histogram calls from already
// wired-in components become no-ops instead of panicking.
func Shutdown(ctx context.Context) error {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	r := v.(*Registry)

	core.SetMetricsRegistry(nil)
	core.SetGlobalTelemetry(nil)
	globalRegistry.Store((*Registry)(nil))

	if r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

// GetRegistry returns the active registry, or nil if Initialize has not
// been called (or Shutdown already ran).
func GetRegistry() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	return v.(*Registry)
}

// GetTelemetryProvider exposes the registry's OTelProvider as
// core.Telemetry directly, for code that already imports telemetry
// (cmd/ wiring, this package's own tests). authority/ and view/ code
// should use core.GetGlobalTelemetry instead, installed by Initialize
// via core.SetGlobalTelemetry, to start spans without importing
// telemetry directly.
func GetTelemetryProvider() core.Telemetry {
	r := GetRegistry()
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider
}

func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}
