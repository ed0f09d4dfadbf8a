// Tracing instrumentation for the executor.
package executor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

const tracerName = "github.com/vinayprograms/unfold/internal/executor"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startSessionSpan starts the span covering one run of a session.
func (e *Executor) startSessionSpan(ctx context.Context) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "session.run")
	span.SetAttributes(
		attribute.String("session.id", e.sess.ID),
		attribute.String("session.mode", string(e.sess.Mode)),
		attribute.String("binary.identity", e.sess.Identity),
	)
	return ctx, span
}

// endSessionSpan records the terminal state.
func endSessionSpan(span trace.Span, state session.State, err error) {
	span.SetAttributes(attribute.String("session.state", string(state)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startTurnSpan starts a span for one turn.
func startTurnSpan(ctx context.Context, index int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "turn")
	span.SetAttributes(attribute.Int("turn.index", index))
	return ctx, span
}

// startToolSpan starts a span for one tool dispatch.
func startToolSpan(ctx context.Context, inv tools.Invocation) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "tool."+inv.Name)
	span.SetAttributes(
		attribute.String("tool.name", inv.Name),
		attribute.String("tool.call_id", inv.ID),
	)
	return ctx, span
}

// endToolSpan ends the span with the result outcome.
func endToolSpan(span trace.Span, res *tools.Result) {
	span.SetAttributes(
		attribute.Bool("tool.cached", res.Cached),
		attribute.Int64("tool.duration_ms", res.Duration.Milliseconds()),
	)
	if res.Failure != nil {
		span.SetAttributes(attribute.String("tool.failure", string(res.Failure.Kind)))
		span.SetStatus(codes.Error, res.Failure.Message)
	}
	span.End()
}
