package saga

import "time"

// MetricsRecorder records saga runtime metrics.
type MetricsRecorder interface {
	RecordSagaExecution(state string)
	RecordSagaDuration(state string, duration time.Duration)
	IncActiveSagas()
	DecActiveSagas()
	RecordStep(service, status string)
	RecordCompensation(status string)
	RecordCompensationDuration(duration time.Duration)
	RecordCompensationRetry()
	RecordSagaRecovery(status string)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordSagaExecution(string)               {}
func (nopMetricsRecorder) RecordSagaDuration(string, time.Duration) {}
func (nopMetricsRecorder) IncActiveSagas()                          {}
func (nopMetricsRecorder) DecActiveSagas()                          {}
func (nopMetricsRecorder) RecordStep(string, string)                {}
func (nopMetricsRecorder) RecordCompensation(string)                {}
func (nopMetricsRecorder) RecordCompensationDuration(time.Duration) {}
func (nopMetricsRecorder) RecordCompensationRetry()                 {}
func (nopMetricsRecorder) RecordSagaRecovery(string)                {}
