package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "ordersaga.http"

// Route parameters copied onto the server span.
var sagaRouteParams = map[string]string{
	"orderId": "saga.order_id",
	"txId":    "saga.transaction_id",
}

// TracingOptions defines HTTP tracing middleware behavior.
type TracingOptions struct {
	// SkipPaths are health endpoints that never get a span.
	SkipPaths []string
}

// DefaultTracingOptions skips the liveness and readiness endpoints.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{SkipPaths: []string{"/health", "/ready"}}
}

func (o TracingOptions) skips(path string) bool {
	path = strings.TrimSpace(path)
	for _, p := range o.SkipPaths {
		if p == path {
			return true
		}
	}
	return false
}

// Tracing starts a server span per request, continuing any trace propagated
// by the caller. After routing the span takes the route pattern as its name
// and the order and transaction ids as attributes.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.skips(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			if id := GetRequestID(ctx); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			rec := newStatusRecorder(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			route := routePattern(r)
			span.SetName("HTTP " + r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", rec.statusCode),
			)
			span.SetAttributes(routeAttributes(r)...)

			// 4xx are caller mistakes; only server failures mark the span.
			if rec.statusCode >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(rec.statusCode))
			}
		})
	}
}

func routeAttributes(r *http.Request) []attribute.KeyValue {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	for param, key := range sagaRouteParams {
		if v := rc.URLParam(param); v != "" {
			attrs = append(attrs, attribute.String(key, v))
		}
	}
	return attrs
}

// routePattern returns the matched chi pattern, or the raw path when the
// request never reached a route.
func routePattern(r *http.Request) string {
	if r == nil {
		return ""
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
