package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the engine's telemetry instruments and providers.
type Telemetry struct {
	meterProvider  metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	transfersTotal   metric.Int64Counter
	transfersActive  metric.Int64UpDownCounter
	transferDuration metric.Float64Histogram

	segmentsTotal metric.Int64Counter
	fetchDuration metric.Float64Histogram
	fetchBytes    metric.Int64Counter

	ticketsInFlight  metric.Int64UpDownCounter
	capacityTimeouts metric.Int64Counter

	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a telemetry instance. With Enabled false every method is a no-op.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	// Spans are not exported anywhere; the provider exists so trace and span
	// IDs are minted and can be correlated through the logs.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         otel.Tracer(cfg.ServiceName),
		meter:          otel.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

// RecordHTTPRequest records request rate and duration.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordTransfer records one transfer reaching a terminal state.
func (t *Telemetry) RecordTransfer(state string, duration time.Duration) {
	if t == nil || t.transfersTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("state", state))

	t.transfersTotal.Add(context.Background(), 1, attrs)
	t.transferDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementActiveTransfers increments the active transfer gauge.
func (t *Telemetry) IncrementActiveTransfers() {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), 1)
	}
}

// DecrementActiveTransfers decrements the active transfer gauge.
func (t *Telemetry) DecrementActiveTransfers() {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), -1)
	}
}

// RecordSegment records one segment outcome. Status is a bounded set:
// "verified", "failed", "mismatch".
func (t *Telemetry) RecordSegment(status string) {
	if t != nil && t.segmentsTotal != nil {
		t.segmentsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordFetch records one segment fetch attempt.
func (t *Telemetry) RecordFetch(status string, bytes int64, duration time.Duration) {
	if t == nil || t.fetchDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.fetchDuration.Record(context.Background(), duration.Seconds(), attrs)

	if bytes > 0 {
		t.fetchBytes.Add(context.Background(), bytes, attrs)
	}
}

// TicketAcquired increments the in-flight admission gauge.
func (t *Telemetry) TicketAcquired() {
	if t != nil && t.ticketsInFlight != nil {
		t.ticketsInFlight.Add(context.Background(), 1)
	}
}

// TicketReleased decrements the in-flight admission gauge.
func (t *Telemetry) TicketReleased() {
	if t != nil && t.ticketsInFlight != nil {
		t.ticketsInFlight.Add(context.Background(), -1)
	}
}

// RecordCapacityTimeout counts admission waits that expired.
func (t *Telemetry) RecordCapacityTimeout() {
	if t != nil && t.capacityTimeouts != nil {
		t.capacityTimeouts.Add(context.Background(), 1)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError counts internal-consistency faults by component.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			))
	}
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	if t.transfersTotal, err = t.meter.Int64Counter(
		"transfers_total",
		metric.WithDescription("Transfers reaching a terminal state"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create transfers_total counter: %w", err)
	}

	if t.transfersActive, err = t.meter.Int64UpDownCounter(
		"transfers_active",
		metric.WithDescription("Transfers currently running"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create transfers_active counter: %w", err)
	}

	if t.transferDuration, err = t.meter.Float64Histogram(
		"transfer_duration_seconds",
		metric.WithDescription("Transfer duration from start to terminal state"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create transfer_duration histogram: %w", err)
	}

	if t.segmentsTotal, err = t.meter.Int64Counter(
		"segments_total",
		metric.WithDescription("Segment outcomes by status"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create segments_total counter: %w", err)
	}

	if t.fetchDuration, err = t.meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Segment fetch duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create fetch_duration histogram: %w", err)
	}

	if t.fetchBytes, err = t.meter.Int64Counter(
		"fetch_bytes_total",
		metric.WithDescription("Bytes downloaded from peers"),
		metric.WithUnit("By"),
	); err != nil {
		return fmt.Errorf("failed to create fetch_bytes counter: %w", err)
	}

	if t.ticketsInFlight, err = t.meter.Int64UpDownCounter(
		"admission_tickets_in_flight",
		metric.WithDescription("Currently admitted segment fetches"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create admission_tickets_in_flight counter: %w", err)
	}

	if t.capacityTimeouts, err = t.meter.Int64Counter(
		"admission_timeouts_total",
		metric.WithDescription("Admission waits that expired"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create admission_timeouts counter: %w", err)
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Database operations"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	if t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	if t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Internal consistency faults"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	return nil
}
