package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	f := promauto.With(m.registry)

	m.sagaExecutions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_executions_total",
		Help: "Sagas that reached a terminal state, by state",
	}, []string{"state"})
	m.sagaDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Time from saga start to terminal state",
		Buckets: cfg.SagaDurationBuckets,
	}, []string{"state"})
	m.sagaActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "saga_active_count",
		Help: "Sagas currently executing on this node",
	})
	m.sagaSteps = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_steps_total",
		Help: "Forward steps by service and recorded status (S or F)",
	}, []string{"service", "status"})

	m.sagaCompensations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Per-service rollbacks by result",
	}, []string{"result"})
	m.sagaCompensationDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_compensation_duration_seconds",
		Help:    "Duration of a whole compensation pass",
		Buckets: cfg.SagaDurationBuckets,
	})
	m.sagaCompensationRetries = f.NewCounter(prometheus.CounterOpts{
		Name: "saga_compensation_retries_total",
		Help: "Rollback attempts beyond the first",
	})

	m.sagaRecovery = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_recovery_total",
		Help: "Recovery scanner resumptions by status",
	}, []string{"status"})
}

// RecordSagaExecution counts a saga reaching state.
func (m *Manager) RecordSagaExecution(state string) {
	if m.enabled {
		m.sagaExecutions.WithLabelValues(state).Inc()
	}
}

// RecordSagaDuration observes how long a saga took to reach state.
func (m *Manager) RecordSagaDuration(state string, duration time.Duration) {
	if m.enabled {
		m.sagaDuration.WithLabelValues(state).Observe(duration.Seconds())
	}
}

func (m *Manager) IncActiveSagas() {
	if m.enabled {
		m.sagaActive.Inc()
	}
}

func (m *Manager) DecActiveSagas() {
	if m.enabled {
		m.sagaActive.Dec()
	}
}

// RecordStep counts one forward notify outcome for service.
func (m *Manager) RecordStep(service, status string) {
	if m.enabled {
		m.sagaSteps.WithLabelValues(service, status).Inc()
	}
}

// RecordCompensation counts one service rollback by result.
func (m *Manager) RecordCompensation(result string) {
	if m.enabled {
		m.sagaCompensations.WithLabelValues(result).Inc()
	}
}

func (m *Manager) RecordCompensationDuration(duration time.Duration) {
	if m.enabled {
		m.sagaCompensationDuration.Observe(duration.Seconds())
	}
}

func (m *Manager) RecordCompensationRetry() {
	if m.enabled {
		m.sagaCompensationRetries.Inc()
	}
}

// RecordSagaRecovery counts one recovery attempt by status.
func (m *Manager) RecordSagaRecovery(status string) {
	if m.enabled {
		m.sagaRecovery.WithLabelValues(status).Inc()
	}
}
