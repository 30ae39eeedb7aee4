package txlog

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the identifiers of the span active when an event was written.
type TraceInfo struct {
	TraceID string
	SpanID  string
}

// TraceFromContext extracts the active span identifiers, empty when none.
func TraceFromContext(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}
