// Package telemetry wires the global OpenTelemetry providers to stdout
// exporters for the lifetime of one pgreorg process. Until Init runs, the
// metrics recorded by internal/reorg/metrics and the traces recorded by
// internal/reorg go to the no-op
// global provider, exactly like the teacher's doltMetrics/doltTracer
// before its own telemetry.Init() call.
//
// A one-shot batch CLI has no long-lived metrics backend to push to, so
// this deliberately keeps only the stdout exporters (see DESIGN.md for
// why the teacher's OTLP-over-HTTP exporter is dropped).
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdktrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdk "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops both providers. Call it via defer immediately
// after Init succeeds.
type Shutdown func(context.Context) error

// Init installs stdout-backed metric and trace providers scoped to
// "pgreorg", writing newline-delimited JSON to w. cmd/pgreorg passes
// io.Discard, so a run exercises the telemetry path without writing the
// exporters' output anywhere.
func Init(ctx context.Context, w io.Writer) (Shutdown, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "pgreorg"),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceExp, err := sdktrace.New(sdktrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	tp := sdk.NewTracerProvider(
		sdk.WithBatcher(traceExp),
		sdk.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := sdkmetric.New(sdkmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExp)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}
