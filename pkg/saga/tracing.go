package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "ordersaga.saga"

const (
	spanSagaExecute        = "saga.execute"
	spanSagaStepForward    = "saga.step.forward"
	spanSagaCompensate     = "saga.execute.compensation"
	spanSagaStepCompensate = "saga.step.compensate"
	spanSagaRecoveryResume = "saga.recovery.resume"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
