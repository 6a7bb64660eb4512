package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A zero Telemetry
// (or a nil pointer) is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	sharesIssuedTotal    metric.Int64Counter
	shareSizeBytes       metric.Int64Histogram
	consumeAttemptsTotal metric.Int64Counter
	sweepRunsTotal       metric.Int64Counter
	sweepRunDuration     metric.Float64Histogram
	sweepRecordsTotal    metric.Int64Counter
	deleteJobsTotal      metric.Int64Counter
	integrityFailures    metric.Int64Counter

	// Dependencies
	blobOperationsTotal   metric.Int64Counter
	blobOperationDuration metric.Float64Histogram
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram

	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	// OTLPEndpoint, when set, pushes metrics over OTLP/gRPC in addition to
	// serving them for Prometheus scraping.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("service.instance.id", cfg.InstanceID),
	)

	registry := promclient.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       registry,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) enabled() bool {
	return t != nil && t.meter != nil
}

// Tracer returns the OpenTelemetry tracer, or nil when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil {
		return nil
	}
	return t.tracer
}

// TracerProvider returns the provider used for HTTP spans, falling back to the global one.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider()
	}
	return t.tracerProvider
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

func (t *Telemetry) IncrementHTTPInFlight() {
	if t.enabled() {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

func (t *Telemetry) DecrementHTTPInFlight() {
	if t.enabled() {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordIssue records the result of a share issuance.
func (t *Telemetry) RecordIssue(status string, size int64) {
	if !t.enabled() {
		return
	}

	t.sharesIssuedTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)),
	)

	if status == "success" {
		t.shareSizeBytes.Record(context.Background(), size)
	}
}

// RecordConsume records a consume attempt by its outcome.
func (t *Telemetry) RecordConsume(outcome string) {
	if t.enabled() {
		t.consumeAttemptsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordSweepRun records a completed (or skipped) sweeper pass.
func (t *Telemetry) RecordSweepRun(status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))
	t.sweepRunsTotal.Add(context.Background(), 1, attrs)
	t.sweepRunDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSweepRecords records how many records a sweeper phase handled.
func (t *Telemetry) RecordSweepRecords(phase, status string, count int) {
	if t.enabled() && count > 0 {
		t.sweepRecordsTotal.Add(context.Background(), int64(count),
			metric.WithAttributes(
				attribute.String("phase", phase),
				attribute.String("status", status),
			),
		)
	}
}

// RecordDeleteJob records the fate of an asynchronous blob deletion.
func (t *Telemetry) RecordDeleteJob(status string) {
	if t.enabled() {
		t.deleteJobsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordIntegrityFailure counts records whose blob vanished while the record was live.
func (t *Telemetry) RecordIntegrityFailure() {
	if t.enabled() {
		t.integrityFailures.Add(context.Background(), 1)
	}
}

// RecordBlobOperation records blob backend operation metrics.
func (t *Telemetry) RecordBlobOperation(backend, operation, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.blobOperationsTotal.Add(context.Background(), 1, attrs)
	t.blobOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t.enabled() {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeDependencyMetrics()
}

func (t *Telemetry) int64Counter(dst *metric.Int64Counter, name, desc string) error {
	c, err := t.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	if err != nil {
		return fmt.Errorf("failed to create %s counter: %w", name, err)
	}

	*dst = c

	return nil
}

func (t *Telemetry) secondsHistogram(dst *metric.Float64Histogram, name, desc string) error {
	h, err := t.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("failed to create %s histogram: %w", name, err)
	}

	*dst = h

	return nil
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	if err = t.int64Counter(&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests"); err != nil {
		return err
	}

	if err = t.secondsHistogram(&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"); err != nil {
		return err
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&t.sharesIssuedTotal, "shares_issued_total", "Total number of share issuance attempts"},
		{&t.consumeAttemptsTotal, "consume_attempts_total", "Total number of download attempts by outcome"},
		{&t.sweepRunsTotal, "sweeper_runs_total", "Total number of retention sweeper passes"},
		{&t.sweepRecordsTotal, "sweeper_records_total", "Records handled by the retention sweeper per phase"},
		{&t.deleteJobsTotal, "delete_jobs_total", "Asynchronous blob deletions by status"},
		{&t.integrityFailures, "integrity_failures_total", "Live records whose blob was missing"},
	}

	for _, c := range counters {
		if err := t.int64Counter(c.dst, c.name, c.desc); err != nil {
			return err
		}
	}

	var err error

	t.shareSizeBytes, err = t.meter.Int64Histogram(
		"share_size_bytes",
		metric.WithDescription("Size of issued shares in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create share_size_bytes histogram: %w", err)
	}

	return t.secondsHistogram(&t.sweepRunDuration, "sweeper_run_duration_seconds", "Retention sweeper pass duration in seconds")
}

func (t *Telemetry) initializeDependencyMetrics() error {
	if err := t.int64Counter(&t.blobOperationsTotal, "blob_operations_total", "Total number of blob storage operations"); err != nil {
		return err
	}

	if err := t.secondsHistogram(&t.blobOperationDuration, "blob_operation_duration_seconds", "Blob storage operation duration in seconds"); err != nil {
		return err
	}

	if err := t.int64Counter(&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"); err != nil {
		return err
	}

	if err := t.secondsHistogram(&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"); err != nil {
		return err
	}

	return t.int64Counter(&t.systemErrors, "system_errors_total", "Total number of system errors")
}
