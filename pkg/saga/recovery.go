package saga

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// RecoveryReport summarizes one recovery scan.
type RecoveryReport struct {
	Scanned int
	Resumed int
	Failed  int
}

// RecoveryScanner resumes transactions left non-terminal by a previous process.
type RecoveryScanner struct {
	engine *Engine
	log    txlog.Log
	logger Logger
}

// NewRecoveryScanner creates a scanner resuming through engine.
func NewRecoveryScanner(engine *Engine, log txlog.Log, l Logger) (*RecoveryScanner, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("transaction log cannot be nil")
	}
	if l == nil {
		l = nopLogger{}
	}
	return &RecoveryScanner{engine: engine, log: log, logger: l}, nil
}

// Scan resumes every non-terminal transaction. A failure for one transaction
// is logged and counted; it never stops the scan. The returned error is set
// only when the transaction list itself cannot be read.
func (s *RecoveryScanner) Scan(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	pending, err := s.log.ListNonTerminal(ctx)
	if err != nil {
		s.engine.metrics.RecordSagaRecovery("scan_failed")
		return report, fmt.Errorf("list non-terminal transactions: %w", err)
	}
	report.Scanned = len(pending)
	s.logger.InfoContext(ctx, "saga recovery scan started", "transactions", len(pending))

	for _, tx := range pending {
		if ctx.Err() != nil {
			break
		}
		result, err := s.resume(ctx, tx)
		if err != nil {
			report.Failed++
			s.engine.metrics.RecordSagaRecovery("failure")
			s.logger.WarnContext(logger.WithSaga(ctx, tx.ID, tx.OrderID), "saga recovery failed", "error", err)
			continue
		}
		report.Resumed++
		s.engine.metrics.RecordSagaRecovery("success")
		s.logger.InfoContext(logger.WithSaga(ctx, tx.ID, tx.OrderID), "saga recovered", "state", string(result.State))
	}

	s.logger.InfoContext(ctx, "saga recovery scan completed",
		"scanned", report.Scanned,
		"resumed", report.Resumed,
		"failed", report.Failed,
	)
	return report, ctx.Err()
}

func (s *RecoveryScanner) resume(ctx context.Context, tx *txlog.Transaction) (result *Result, err error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaRecoveryResume, trace.WithAttributes(
		attribute.String("saga.tx_id", tx.ID),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return s.engine.Execute(ctx, Request{
		TxID:    tx.ID,
		OrderID: tx.OrderID,
		Payload: tx.Payload,
	})
}

// Run scans once, then again every interval until ctx is done.
// A non-positive interval scans once.
func (s *RecoveryScanner) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "saga recovery unavailable, continuing degraded", "error", err)
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "periodic saga recovery failed", "error", err)
			}
		}
	}
}
