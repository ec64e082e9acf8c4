package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pipeline.orchestrator"

// StartSpan records one lifecycle span keyed by pipeline, stage, and span
// name. Stage may be empty for pipeline-level spans. The returned func ends
// the span.
func StartSpan(ctx context.Context, pipelineID, stage, span string) (context.Context, func(err error)) {
	tracer := otel.Tracer(tracerName)
	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", pipelineID),
	}
	if stage != "" {
		attrs = append(attrs, attribute.String("pipeline.stage", stage))
	}
	ctx, sp := tracer.Start(ctx, span, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			sp.RecordError(err)
		}
		sp.End()
	}
}
