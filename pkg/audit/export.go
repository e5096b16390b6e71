package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ExportJSON returns the trace's spans as an indented JSON array in
// start-time order.
func ExportJSON(store Store, traceID string) ([]byte, error) {
	entries, err := store.Query(Query{TraceID: traceID})
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}

// ExportOTLP replays the trace to an OTLP gRPC collector, preserving
// the span tree and original timestamps.
func ExportOTLP(ctx context.Context, store Store, traceID, endpoint string) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return replayTrace(ctx, store, traceID, exporter)
}

// ExportStdout replays the trace to stdout in the OTLP debug format.
func ExportStdout(ctx context.Context, store Store, traceID string) error {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return replayTrace(ctx, store, traceID, exporter)
}

func replayTrace(ctx context.Context, store Store, traceID string, exporter sdktrace.SpanExporter) error {
	entries, err := store.Query(Query{TraceID: traceID})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("trace %q has no spans", traceID)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("modelkit"),
		)),
	)
	defer provider.Shutdown(ctx)
	tracer := provider.Tracer("modelkit/audit")

	known := make(map[string]bool, len(entries))
	children := make(map[string][]Entry)
	for _, e := range entries {
		known[e.SpanID] = true
	}
	var roots []Entry
	for _, e := range entries {
		if e.ParentSpanID != "" && known[e.ParentSpanID] {
			children[e.ParentSpanID] = append(children[e.ParentSpanID], e)
		} else {
			roots = append(roots, e)
		}
	}
	for _, root := range roots {
		replaySpan(ctx, tracer, children, root)
	}
	return provider.ForceFlush(ctx)
}

func replaySpan(ctx context.Context, tracer trace.Tracer, children map[string][]Entry, e Entry) {
	ctx, span := tracer.Start(ctx, e.Operation,
		trace.WithTimestamp(e.StartTime),
		trace.WithAttributes(
			attribute.String("span.type", e.SpanType),
			attribute.Int("tokens.prompt", e.Tokens.Prompt),
			attribute.Int("tokens.completion", e.Tokens.Completion),
			attribute.Int("tokens.total", e.Tokens.Total),
		),
	)
	for _, child := range children[e.SpanID] {
		replaySpan(ctx, tracer, children, child)
	}
	if e.Error != "" {
		span.SetStatus(codes.Error, e.Error)
	}
	span.End(trace.WithTimestamp(e.EndTime))
}
