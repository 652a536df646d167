package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext carries W3C trace context fields across a boundary that
// isn't plain HTTP headers — the runtime API's next-invocation payload,
// in particular, so a function's own telemetry can join the invoke
// trace.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// Extract reads the current trace context out of ctx for embedding in
// an outbound payload.
func Extract(ctx context.Context) TraceContext {
	if !Enabled() {
		return TraceContext{}
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{TraceParent: carrier.Get("traceparent"), TraceState: carrier.Get("tracestate")}
}

// Inject merges tc into ctx, returning a context a child span can
// attach to.
func Inject(ctx context.Context, tc TraceContext) context.Context {
	if tc.TraceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": tc.TraceParent, "tracestate": tc.TraceState}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
