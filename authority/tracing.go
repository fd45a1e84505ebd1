package authority

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// withRemoteTrace rehydrates the W3C trace/span ids an action or thunk
// carried across the wire (action.Action.TraceID/ParentSpanID,
// action.Thunk.TraceID/ParentSpanID) into ctx as a remote span context,
// so a span started against ctx is linked into the view's trace instead
// of starting a disconnected one. Malformed or empty ids leave ctx
// untouched - the resulting span just starts its own trace.
func withRemoteTrace(ctx context.Context, traceID, spanID string) context.Context {
	if traceID == "" || spanID == "" {
		return ctx
	}
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return ctx
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
