package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initHTTPMetrics(cfg Config) {
	f := promauto.With(m.registry)

	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "API requests by method, route and status",
	}, []string{"method", "path", "status"})
	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "API request latency by method and route",
		Buckets: cfg.HTTPDurationBuckets,
	}, []string{"method", "path"})
	m.httpConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "http_active_connections",
		Help: "API requests currently in flight",
	})
}

// RecordHTTPRequest records a request without trace context.
func (m *Manager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RecordHTTPRequestContext(context.Background(), method, path, status, duration)
}

// RecordHTTPRequestContext records a request. When ctx carries a span the
// latency sample is linked to it as an exemplar.
func (m *Manager) RecordHTTPRequestContext(ctx context.Context, method, path, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	observeWithTrace(ctx, m.httpDuration.WithLabelValues(method, path), duration.Seconds())
}

func (m *Manager) IncActiveConnections() {
	if m.enabled {
		m.httpConnections.Inc()
	}
}

func (m *Manager) DecActiveConnections() {
	if m.enabled {
		m.httpConnections.Dec()
	}
}

func observeWithTrace(ctx context.Context, o prometheus.Observer, v float64) {
	labels, ok := traceExemplarLabels(ctx)
	if eo, isExemplar := o.(prometheus.ExemplarObserver); ok && isExemplar {
		eo.ObserveWithExemplar(v, labels)
		return
	}
	o.Observe(v)
}

func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil, false
	}
	return prometheus.Labels{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}, true
}
