package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartAttemptSpan opens a span covering one claimed-node attempt, tagged
// with run_id, run_node_id, attempt and node_key attributes. Call the
// returned end func with the execution error (nil on success) when the
// attempt concludes.
func StartAttemptSpan(ctx context.Context, tracer trace.Tracer, runID, runNodeID int64, attempt int, nodeKey string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "run_node.attempt",
		trace.WithAttributes(
			attribute.Int64("run_id", runID),
			attribute.Int64("run_node_id", runNodeID),
			attribute.Int("attempt", attempt),
			attribute.String("node_key", nodeKey),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// startAttemptSpanIfTraced calls StartAttemptSpan when tracer is non-nil,
// otherwise returns ctx unchanged and a no-op end func.
func startAttemptSpanIfTraced(ctx context.Context, tracer trace.Tracer, runID, runNodeID int64, attempt int, nodeKey string) (context.Context, func(error)) {
	if tracer == nil {
		return ctx, func(error) {}
	}
	return StartAttemptSpan(ctx, tracer, runID, runNodeID, attempt, nodeKey)
}
