package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initOutboxMetrics(cfg Config) {
	f := promauto.With(m.registry)

	m.outboxPolls = f.NewCounter(prometheus.CounterOpts{
		Name: "outbox_polls_total",
		Help: "Relay polls of the outbox table",
	})
	m.outboxFetched = f.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_fetched_total",
		Help: "Unprocessed outbox rows returned by polls",
	})
	m.outboxPollTime = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_poll_duration_seconds",
		Help:    "Time spent reading one outbox batch",
		Buckets: cfg.OutboxPollBuckets,
	})
	m.outboxDispatches = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatches_total",
		Help: "Outbox rows handed to a dispatcher, by result",
	}, []string{"result"})
}

// RecordOutboxPoll records one relay poll that returned fetched rows.
func (m *Manager) RecordOutboxPoll(fetched int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.outboxPolls.Inc()
	m.outboxFetched.Add(float64(fetched))
	m.outboxPollTime.Observe(duration.Seconds())
}

// RecordOutboxDispatch counts one dispatch by result.
func (m *Manager) RecordOutboxDispatch(result string) {
	if m.enabled {
		m.outboxDispatches.WithLabelValues(result).Inc()
	}
}
