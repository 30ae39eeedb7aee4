package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/ordersaga/pkg/gateway"
	"github.com/goclaw/ordersaga/pkg/notify"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// compensate rolls back every service currently at S, in reverse order of
// success. A service whose retry budget runs out is recorded RF and alerted;
// the remaining services are still compensated.
func (e *Engine) compensate(ctx context.Context, tx *txlog.Transaction, reason string) (txlog.State, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaCompensate, trace.WithAttributes(
		attribute.String("saga.tx_id", tx.ID),
		attribute.String("saga.compensation_reason", reason),
	))
	defer span.End()

	start := time.Now()
	proj, err := e.recorder.Project(ctx, tx.ID)
	if err != nil {
		return "", fmt.Errorf("load events for %s: %w", tx.ID, err)
	}

	successful := proj.SuccessfulServices()
	failed := 0
	for _, svc := range proj.LatestStatuses() {
		if svc == txlog.StatusRollbackFailed {
			failed++
		}
	}

	for i := len(successful) - 1; i >= 0; i-- {
		service := successful[i]
		step, ok := tx.Step(service)
		if !ok {
			step = txlog.PlannedStep{Service: service}
		}

		attempts, rbErr := e.rollback(ctx, tx, step, reason)
		if rbErr == nil {
			e.metrics.RecordCompensation("success")
			if err := e.record(ctx, tx, service, txlog.StatusRolledBack, ""); err != nil {
				return "", err
			}
			continue
		}
		if ctx.Err() != nil {
			// Interrupted, not exhausted: leave the service at S for the next run.
			return "", fmt.Errorf("compensate %s for %s: %w", service, tx.ID, ctx.Err())
		}

		failed++
		e.metrics.RecordCompensation("failure")
		if err := e.record(ctx, tx, service, txlog.StatusRollbackFailed, rbErr.Error()); err != nil {
			return "", err
		}
		e.logger.ErrorContext(ctx, "compensation exhausted retries",
			"service", service,
			"attempts", attempts,
			"error", rbErr,
		)
		if alertErr := e.alerter.Alert(ctx, notify.Alert{
			TransactionID: tx.ID,
			OrderID:       tx.OrderID,
			Service:       service,
			Attempts:      attempts,
			Reason:        rbErr.Error(),
			Timestamp:     time.Now().UTC(),
		}); alertErr != nil {
			e.logger.WarnContext(ctx, "alert delivery failed", "service", service, "error", alertErr)
		}
	}
	e.metrics.RecordCompensationDuration(time.Since(start))

	final, state := txlog.StatusDone, txlog.StateRolledBack
	if failed > 0 {
		final, state = txlog.StatusRollbackFailed, txlog.StateRollbackFailed
		span.SetStatus(codes.Error, "compensation incomplete")
	}
	if err := e.record(ctx, tx, txlog.SagaService, final, reason); err != nil {
		return "", err
	}
	return state, nil
}

// rollback calls rollback for step until it succeeds or the budget runs out.
// It returns the number of attempts made.
func (e *Engine) rollback(ctx context.Context, tx *txlog.Transaction, step txlog.PlannedStep, reason string) (int, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaStepCompensate, trace.WithAttributes(
		attribute.String("saga.tx_id", tx.ID),
		attribute.String("saga.service", step.Service),
	))
	defer span.End()

	kind, err := registry.ParseKind(step.Service)
	if err != nil {
		return 0, err
	}

	attempts := 0
	err = retry.Do(
		func() error {
			attempts++
			callCtx, cancel := withTimeout(ctx, step.Timeout)
			defer cancel()

			resp, err := e.client.Rollback(callCtx, kind, gateway.RollbackRequest{
				TxID:    tx.ID,
				OrderID: tx.OrderID,
				Reason:  reason,
			})
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s rejected rollback: %s", step.Service, resp.Message)
			}
			return nil
		},
		retry.Attempts(uint(e.retry.MaxAttempts)),
		retry.Delay(e.retry.InitialBackoff),
		retry.MaxDelay(e.retry.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.metrics.RecordCompensationRetry()
			e.logger.WarnContext(ctx, "rollback attempt failed",
				"service", step.Service,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	span.SetAttributes(attribute.Int("saga.compensation_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return attempts, fmt.Errorf("rollback %s after %d attempts: %w", step.Service, attempts, err)
	}
	return attempts, nil
}
