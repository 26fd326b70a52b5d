package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Lectern tracer.
const tracerName = "github.com/MrWong99/lectern"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span outside of any pipeline run, such as an HTTP
// request. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type runKey struct{}

// runScope identifies the pipeline run a context belongs to.
type runScope struct {
	id        string
	sessionID string
}

func (s runScope) attrs() []attribute.KeyValue {
	kv := []attribute.KeyValue{attribute.String("run_id", s.id)}
	if s.sessionID != "" {
		kv = append(kv, attribute.String("session_id", s.sessionID))
	}
	return kv
}

// StartRun starts the root span of a pipeline run. Spans started with
// [StartStage] and loggers from [Logger] below the returned context carry
// the run and session IDs.
func StartRun(ctx context.Context, name, runID, sessionID string) (context.Context, trace.Span) {
	scope := runScope{id: runID, sessionID: sessionID}
	ctx = context.WithValue(ctx, runKey{}, scope)
	return Tracer().Start(ctx, name, trace.WithAttributes(scope.attrs()...))
}

// StartStage starts the span of one stage ("stt", "retrieve", "generate")
// of the run in ctx.
func StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if s, ok := ctx.Value(runKey{}).(runScope); ok {
		opts = append(opts, trace.WithAttributes(attribute.String("run_id", s.id)))
	}
	return Tracer().Start(ctx, "pipeline."+stage, opts...)
}

// RunID returns the run ID set by [StartRun], or "".
func RunID(ctx context.Context) string {
	s, _ := ctx.Value(runKey{}).(runScope)
	return s.id
}

// CorrelationID extracts the trace ID from the span context in ctx. It is
// empty when ctx has no sampled or remote span. The HTTP middleware returns
// it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the run and trace of ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if s, ok := ctx.Value(runKey{}).(runScope); ok {
		l = l.With(slog.String("run_id", s.id))
		if s.sessionID != "" {
			l = l.With(slog.String("session_id", s.sessionID))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(slog.String("trace_id", sc.TraceID().String()))
	}
	return l
}
