package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/ordersaga/pkg/gateway"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/notify"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/txlog"
	"github.com/goclaw/ordersaga/pkg/worker"
)

// EngineOption customizes Engine initialization.
type EngineOption func(*Engine)

// WithNotifier sets the progress notifier.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithAlerter sets the operator alerter.
func WithAlerter(a Alerter) EngineOption {
	return func(e *Engine) {
		if a != nil {
			e.alerter = a
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRetry sets the rollback retry budget.
func WithRetry(cfg RetryConfig) EngineOption {
	return func(e *Engine) {
		if cfg.MaxAttempts > 0 {
			e.retry = cfg
		}
	}
}

// WithMaxConcurrentSagas bounds the number of sagas executing at once.
func WithMaxConcurrentSagas(max int) EngineOption {
	return func(e *Engine) {
		if max > 0 {
			e.sema = make(chan struct{}, max)
		}
	}
}

// WithPool sets the pool Submit hands work to.
func WithPool(p *worker.Pool) EngineOption {
	return func(e *Engine) {
		e.pool = p
	}
}

// Engine executes sagas. It is the only writer of status events.
type Engine struct {
	recorder *txlog.Recorder
	plans    PlanSource
	client   gateway.Client

	notifier Notifier
	alerter  Alerter
	metrics  MetricsRecorder
	logger   Logger
	retry    RetryConfig

	locks  *keyedMutex
	sema   chan struct{}
	pool   *worker.Pool
	closed atomic.Bool
}

// NewEngine creates an engine over log, reading new plans from plans.
func NewEngine(log txlog.Log, plans PlanSource, client gateway.Client, opts ...EngineOption) (*Engine, error) {
	if log == nil {
		return nil, fmt.Errorf("transaction log cannot be nil")
	}
	if plans == nil {
		return nil, fmt.Errorf("plan source cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("gateway client cannot be nil")
	}
	e := &Engine{
		recorder: txlog.NewRecorder(log),
		plans:    plans,
		client:   client,
		notifier: nopNotifier{},
		alerter:  nopAlerter{},
		metrics:  nopMetricsRecorder{},
		logger:   nopLogger{},
		retry:    DefaultRetryConfig(),
		locks:    newKeyedMutex(),
		sema:     make(chan struct{}, 100),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Submit hands req to the worker pool and returns without waiting.
// A full pool is reported as an error so the caller can retry later.
func (e *Engine) Submit(req Request) error {
	if req.TxID == "" {
		return ErrMissingTransactionID
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.pool == nil {
		return ErrNoPool
	}
	return e.pool.TrySubmit(func(ctx context.Context) {
		if _, err := e.Execute(ctx, req); err != nil {
			e.logger.WarnContext(logger.WithSaga(ctx, req.TxID, req.OrderID), "saga execution interrupted", "error", err)
		}
	})
}

// Execute begins or resumes the saga for req.TxID and runs it to a terminal
// state. Invocations for the same transaction id are serialized; an
// invocation for a finished saga returns its outcome without side effects.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.TxID == "" {
		return nil, ErrMissingTransactionID
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	select {
	case e.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sema }()

	unlock := e.locks.Lock(req.TxID)
	defer unlock()

	tx, err := e.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	proj, err := e.recorder.Project(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", tx.ID, err)
	}
	result := &Result{TxID: tx.ID, OrderID: tx.OrderID, State: proj.State()}
	if proj.Closed() {
		return result, nil
	}
	result.Resumed = proj.State() != txlog.StateStarted

	ctx = logger.WithSaga(ctx, tx.ID, tx.OrderID)
	ctx, span := sagaTracer().Start(ctx, spanSagaExecute, trace.WithAttributes(
		attribute.String("saga.tx_id", tx.ID),
		attribute.String("saga.order_id", tx.OrderID),
		attribute.Bool("saga.resumed", result.Resumed),
	))
	defer span.End()

	start := time.Now()
	e.metrics.IncActiveSagas()
	defer e.metrics.DecActiveSagas()

	state, err := e.run(ctx, tx, proj)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "saga execution failed", "error", err)
		return nil, err
	}

	result.State = state
	span.SetAttributes(attribute.String("saga.state", string(state)))
	e.metrics.RecordSagaExecution(string(state))
	e.metrics.RecordSagaDuration(string(state), time.Since(start))
	e.logger.InfoContext(ctx, "saga finished", "state", string(state), "resumed", result.Resumed)
	return result, nil
}

// Close stops accepting new invocations. Running sagas are not interrupted.
func (e *Engine) Close() {
	e.closed.Store(true)
}

func (e *Engine) run(ctx context.Context, tx *txlog.Transaction, proj *txlog.Projection) (txlog.State, error) {
	if proj.HasFailure() {
		return e.compensate(ctx, tx, failureReason(tx, proj))
	}

	for _, step := range tx.Plan {
		switch proj.Latest(step.Service) {
		case txlog.StatusSuccess:
			continue
		case txlog.StatusUncommitted:
			// Outcome unknown after a crash; notify is idempotent per txId.
		default:
			if err := e.record(ctx, tx, step.Service, txlog.StatusUncommitted, ""); err != nil {
				return "", err
			}
		}

		if callErr := e.forward(ctx, tx, step); callErr != nil {
			if ctx.Err() != nil {
				// Interrupted, not failed: the step stays U and is resumed later.
				return "", fmt.Errorf("notify %s for %s: %w", step.Service, tx.ID, ctx.Err())
			}
			e.metrics.RecordStep(step.Service, string(txlog.StatusFailure))
			if err := e.record(ctx, tx, step.Service, txlog.StatusFailure, callErr.Error()); err != nil {
				return "", err
			}
			return e.compensate(ctx, tx, fmt.Sprintf("%s failed", step.Service))
		}
		e.metrics.RecordStep(step.Service, string(txlog.StatusSuccess))
		if err := e.record(ctx, tx, step.Service, txlog.StatusSuccess, ""); err != nil {
			return "", err
		}
	}

	if err := e.record(ctx, tx, txlog.SagaService, txlog.StatusSuccess, ""); err != nil {
		return "", err
	}
	return txlog.StateCompleted, nil
}

// forward calls notify for step and reports any failure as an error.
func (e *Engine) forward(ctx context.Context, tx *txlog.Transaction, step txlog.PlannedStep) (err error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaStepForward, trace.WithAttributes(
		attribute.String("saga.tx_id", tx.ID),
		attribute.String("saga.service", step.Service),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	kind, err := registry.ParseKind(step.Service)
	if err != nil {
		return err
	}
	callCtx, cancel := withTimeout(ctx, step.Timeout)
	defer cancel()

	resp, err := e.client.Notify(callCtx, kind, gateway.NotifyRequest{
		TxID:    tx.ID,
		OrderID: tx.OrderID,
		Payload: tx.Payload,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s rejected notify: %s", step.Service, resp.Message)
	}
	return nil
}

// record appends one status event, then pushes a progress update.
func (e *Engine) record(ctx context.Context, tx *txlog.Transaction, service string, status txlog.Status, message string) error {
	evt, err := e.recorder.RecordStatusWithError(ctx, tx.ID, tx.OrderID, service, status, message)
	if err != nil {
		return fmt.Errorf("record %s %s for %s: %w", service, status, tx.ID, err)
	}
	e.push(ctx, tx, evt)
	return nil
}

func (e *Engine) push(ctx context.Context, tx *txlog.Transaction, evt txlog.StatusEvent) {
	update := notify.Update{
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		Status:        string(evt.Status),
		Timestamp:     evt.Timestamp,
	}
	if evt.IsSagaLevel() {
		state := sagaState(evt.Status)
		update.State = string(state)
		update.Message = state.Message()
	} else {
		update.Service = evt.Service
		update.Message = StepMessage(evt.Service, evt.Status)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WarnContext(ctx, "progress notifier panicked", "panic", fmt.Sprint(r))
		}
	}()
	e.notifier.Push(ctx, update)
}

func (e *Engine) loadOrCreate(ctx context.Context, req Request) (*txlog.Transaction, error) {
	log := e.recorder.Log()
	tx, err := log.GetTransaction(ctx, req.TxID)
	if err == nil {
		if len(tx.Payload) == 0 || !json.Valid(tx.Payload) {
			if payload, perr := encodePayload(req.Payload); perr == nil {
				tx.Payload = payload
			}
		}
		return tx, nil
	}
	if !errors.Is(err, txlog.ErrTransactionNotFound) {
		return nil, fmt.Errorf("load transaction %s: %w", req.TxID, err)
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	plan := e.plans.Snapshot()
	if len(plan) == 0 {
		return nil, fmt.Errorf("no active services configured")
	}
	tx = &txlog.Transaction{
		ID:        req.TxID,
		OrderID:   req.OrderID,
		Payload:   payload,
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	}
	if err := log.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, txlog.ErrTransactionExists) {
			return log.GetTransaction(ctx, req.TxID)
		}
		return nil, fmt.Errorf("create transaction %s: %w", req.TxID, err)
	}
	return tx, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if json.Valid(p) {
			return p, nil
		}
		return json.Marshal(string(p))
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func failureReason(tx *txlog.Transaction, proj *txlog.Projection) string {
	for _, step := range tx.Plan {
		if proj.Latest(step.Service) == txlog.StatusFailure {
			return fmt.Sprintf("%s failed", step.Service)
		}
	}
	return "compensation resumed"
}

func sagaState(status txlog.Status) txlog.State {
	switch status {
	case txlog.StatusSuccess:
		return txlog.StateCompleted
	case txlog.StatusDone:
		return txlog.StateRolledBack
	default:
		return txlog.StateRollbackFailed
	}
}

// StepMessage returns the normalized client-facing message for a service status.
func StepMessage(service string, status txlog.Status) string {
	switch status {
	case txlog.StatusUncommitted:
		return service + " step started"
	case txlog.StatusSuccess:
		return service + " step completed"
	case txlog.StatusFailure:
		return service + " step failed"
	case txlog.StatusRolledBack:
		return service + " step reverted"
	case txlog.StatusRollbackFailed:
		return service + " step could not be reverted"
	default:
		return service + " step updated"
	}
}
