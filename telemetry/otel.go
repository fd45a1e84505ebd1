package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/bridge/core"
)

// OTelProvider implements core.Telemetry with OpenTelemetry: spans
// exported via OTLP/gRPC (or stdout, for a collector-less local run)
// and metrics recorded through the otel metric SDK.
//
// This engine has one producer of spans/metrics per process (authority
// or view), unlike the teacher's per-agent provider population, so
// this keeps the teacher's trace/metric plumbing but drops the HTTP
// exporters it used (not in this module's dependency set - go.mod
// carries otlptracegrpc and stdouttrace, not otlptrace http/otlpmetrichttp)
// in favor of the gRPC trace exporter and a local-only metric meter.
type OTelProvider struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	metrics        *MetricInstruments
	shutdownOnce   sync.Once
	shutdown       bool
	mu             sync.RWMutex
}

// NewOTelProvider builds a provider for one process. An empty endpoint
// exports traces to stdout instead of a collector, which keeps a local
// run observable without requiring Redis + an OTEL collector both up.
func NewOTelProvider(serviceName string, endpoint string) (*OTelProvider, error) {
	logger := GetLogger()
	startTime := time.Now()

	if serviceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	)

	ctx := context.Background()

	var spanExporter sdktrace.SpanExporter
	var err error
	if endpoint == "" {
		spanExporter, err = stdouttrace.New(stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		logger.Debug("telemetry exporting traces to stdout (no endpoint configured)", nil)
	} else {
		spanExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP/gRPC trace exporter for endpoint %s: %w", endpoint, err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)

	// No OTLP metric exporter is wired into go.mod for this engine, so
	// the meter provider holds instruments in-process (Registry.emit
	// still records through real histogram/counter instruments) without
	// a push exporter.
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	provider := &OTelProvider{
		tracer:         tp.Tracer("bridge"),
		meter:          mp.Meter("bridge"),
		traceProvider:  tp,
		metricProvider: mp,
		metrics:        NewMetricInstruments("bridge"),
	}

	logger.Info("telemetry provider created", map[string]interface{}{
		"service_name":      serviceName,
		"endpoint":          endpoint,
		"initialization_ms": time.Since(startTime).Milliseconds(),
	})

	return provider, nil
}

// StartSpan implements core.Telemetry.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	o.mu.RLock()
	shutdown := o.shutdown
	o.mu.RUnlock()
	if shutdown || o.tracer == nil {
		return ctx, &core.NoOpSpan{}
	}

	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry, routing by name pattern to
// the appropriate instrument type (matches the teacher's heuristic,
// tested against the name's prefix or suffix: duration/latency/time ->
// histogram, count/total/errors/success -> counter, everything else ->
// histogram).
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	o.mu.RLock()
	shutdown := o.shutdown
	o.mu.RUnlock()
	if shutdown || o.metrics == nil {
		return
	}

	ctx := context.Background()
	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	switch {
	case contains(name, "duration", "latency", "time"):
		_ = o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	case contains(name, "count", "total", "errors", "success"):
		_ = o.metrics.RecordCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		_ = o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

func contains(name string, substrings ...string) bool {
	for _, substr := range substrings {
		if len(name) >= len(substr) &&
			(name[len(name)-len(substr):] == substr || name[:len(substr)] == substr) {
			return true
		}
	}
	return false
}

// Shutdown flushes and tears down both providers. Idempotent.
func (o *OTelProvider) Shutdown(ctx context.Context) (shutdownErr error) {
	logger := GetLogger()
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.shutdown = true
		o.mu.Unlock()
		shutdownErr = o.doShutdown(ctx, logger)
	})
	return shutdownErr
}

func (o *OTelProvider) doShutdown(ctx context.Context, logger *TelemetryLogger) error {
	var errs []error

	if err := o.metrics.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown metric instruments: %w", err))
	}
	if o.metricProvider != nil {
		if err := o.metricProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown metric provider: %w", err))
		}
	}
	if o.traceProvider != nil {
		if err := o.traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown trace provider: %w", err))
		}
	}

	if len(errs) > 0 {
		logger.Error("telemetry provider shutdown completed with errors", map[string]interface{}{
			"error_count": len(errs),
		})
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	logger.Info("telemetry provider shut down", nil)
	return nil
}

// otelSpan adapts trace.Span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
