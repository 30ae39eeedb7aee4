package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initDownstreamMetrics(cfg Config) {
	f := promauto.With(m.registry)

	m.downstreamCalls = f.NewCounterVec(prometheus.CounterOpts{
		Name: "downstream_calls_total",
		Help: "Notify and rollback calls by service, operation and result",
	}, []string{"service", "operation", "result"})
	m.downstreamDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "downstream_call_duration_seconds",
		Help:    "Downstream call latency by service and operation",
		Buckets: cfg.DownstreamDurationBuckets,
	}, []string{"service", "operation"})
}

// RecordDownstreamCall records one notify or rollback call.
func (m *Manager) RecordDownstreamCall(service, operation, result string, durationSeconds float64) {
	if !m.enabled {
		return
	}
	m.downstreamCalls.WithLabelValues(service, operation, result).Inc()
	m.downstreamDuration.WithLabelValues(service, operation).Observe(durationSeconds)
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as a queue
// length or a subscriber count.
func (m *Manager) RegisterGaugeFunc(name, help string, labels prometheus.Labels, fn func() float64) error {
	if !m.enabled {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

// RegisterCounterFunc exposes a monotonically increasing value sampled at scrape time.
func (m *Manager) RegisterCounterFunc(name, help string, labels prometheus.Labels, fn func() float64) error {
	if !m.enabled {
		return nil
	}
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}
