package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates an internal span, for dispatcher/warm-pool work
// that doesn't originate from an inbound request.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartServerSpan creates a server span for an inbound request (control
// plane invoke, runtime API poll/response).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindServer))
}

// SetSpanError marks span as failed with err.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as successfully completed.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys shared across dispatcher/runtimeapi/controlplane spans.
var (
	AttrFunctionName = attribute.Key("lambdahome.function.name")
	AttrRuntime      = attribute.Key("lambdahome.runtime")
	AttrColdStart    = attribute.Key("lambdahome.cold_start")
	AttrRequestID    = attribute.Key("lambdahome.request_id")
	AttrInstanceID   = attribute.Key("lambdahome.instance_id")
)
