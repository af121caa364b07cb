/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the llmctl
// control plane. Custom span attributes use the `llmctl.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "llmctl.io/control-plane"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // plaintext gRPC; explicit options override OTEL_EXPORTER_OTLP_* env settings
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("llmctl-control-plane"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a flowchart run.
func StartRunSpan(ctx context.Context, runID, triggerKind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flowchart.run",
		trace.WithAttributes(
			attribute.String("llmctl.run_id", runID),
			attribute.String("llmctl.trigger_kind", triggerKind),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartDispatchSpan creates a child span for one node dispatch.
func StartDispatchSpan(ctx context.Context, runNodeID, nodeType string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flowchart.dispatch",
		trace.WithAttributes(
			attribute.String("llmctl.run_node_id", runNodeID),
			attribute.String("llmctl.node_type", nodeType),
			attribute.Int("llmctl.attempt_index", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDispatchSpan enriches the dispatch span with its terminal outcome.
func EndDispatchSpan(span trace.Span, confirmed, uncertain bool, errorCode string) {
	span.SetAttributes(
		attribute.Bool("llmctl.dispatch_confirmed", confirmed),
		attribute.Bool("llmctl.dispatch_uncertain", uncertain),
	)
	if errorCode != "" {
		span.SetAttributes(attribute.String("llmctl.error_code", errorCode))
	}
	span.End()
}

// StartCompileSpan creates a child span for instruction compilation.
func StartCompileSpan(ctx context.Context, providerID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flowchart.compile_instructions",
		trace.WithAttributes(attribute.String("llmctl.provider_id", providerID)),
	)
}
