package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span and metric attributes must stay low cardinality: operation names,
// backend kinds and statuses only. Record ids, owner ids, file names and
// storage locations belong in logs, never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := statusOf(err)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentBlobOperation instruments blob backend operations.
func (t *Telemetry) InstrumentBlobOperation(ctx context.Context, backend, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "blob_"+operation, "blob_"+backend, fn)

	t.RecordBlobOperation(backend, operation, statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
