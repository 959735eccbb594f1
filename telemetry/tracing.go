// Tracing helpers for protocol message flow.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with span helpers for message
// dispatch and client calls. A nil *Tracer is valid and produces
// no-op spans, so callers never need to branch on telemetry being
// configured.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer scoped to the given instrumentation
// name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartSpan opens a generic span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return noopSpan(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartDispatch opens a span covering one inbound request or
// notification from pipeline pickup to reply.
func (t *Tracer) StartDispatch(ctx context.Context, method, sessionID, requestID string) (context.Context, trace.Span) {
	if t == nil {
		return noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "rpc.dispatch "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("rpc.session_id", sessionID),
			attribute.String("rpc.request_id", requestID),
		),
	)
}

// EndDispatch closes a dispatch span with its outcome.
func (t *Tracer) EndDispatch(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartCall opens a client-side span covering an outbound request
// through its correlated response.
func (t *Tracer) StartCall(ctx context.Context, method, sessionID, requestID string) (context.Context, trace.Span) {
	if t == nil {
		return noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "rpc.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("rpc.session_id", sessionID),
			attribute.String("rpc.request_id", requestID),
		),
	)
}

// EndCall closes a call span with its outcome.
func (t *Tracer) EndCall(span trace.Span, err error) {
	t.EndDispatch(span, err)
}

func noopSpan(ctx context.Context) (context.Context, trace.Span) {
	return trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx)), trace.SpanFromContext(ctx)
}

// InjectContext writes the current trace context into a carrier so it
// can travel inside message params or transport metadata.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext restores a trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a plain map carrier for trace propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
