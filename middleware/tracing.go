package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskloom/taskloom/daemon"
)

// tracerName is the instrumentation scope name for taskloom tracing.
const tracerName = "github.com/taskloom/taskloom"

// Tracing returns middleware that wraps rule execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: taskloom.execution.id, taskloom.rule,
// taskloom.task.id, taskloom.event.id. On error, the span status is
// set to codes.Error with the error message.
func Tracing() daemon.Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) daemon.Middleware {
	return func(ctx context.Context, ex *daemon.Execution, next daemon.Handler) error {
		ctx, span := tracer.Start(ctx, "taskloom.execution.run",
			trace.WithAttributes(
				attribute.String("taskloom.execution.id", ex.ID.String()),
				attribute.String("taskloom.rule", ex.RuleName),
				attribute.String("taskloom.task.id", ex.TaskID.String()),
				attribute.String("taskloom.event.id", ex.EventID.String()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
