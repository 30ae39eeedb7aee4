// Package saga drives order sagas across the downstream services: an ordered
// forward pass, then on failure a reverse compensation pass over the services
// that actually succeeded. All state lives in the transaction log, so any
// invocation for a transaction id resumes where the previous one stopped.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/goclaw/ordersaga/pkg/notify"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

var (
	// ErrMissingTransactionID is returned for requests without a transaction id.
	ErrMissingTransactionID = errors.New("saga: transaction id is required")
	// ErrNoPool is returned by Submit when the engine has no worker pool.
	ErrNoPool = errors.New("saga: no worker pool configured")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("saga: engine is closed")
)

// Request invokes the engine for one transaction.
type Request struct {
	TxID    string
	OrderID string
	Payload any
}

// Result is the outcome of one engine invocation.
type Result struct {
	TxID    string
	OrderID string
	State   txlog.State
	// Resumed is true when the invocation continued earlier progress.
	Resumed bool
}

// RetryConfig bounds rollback retries for one service.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the rollback retry budget used when none is set.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// PlanSource provides the service plan captured when a saga starts.
type PlanSource interface {
	Snapshot() []txlog.PlannedStep
}

// Notifier receives progress updates. Implementations must not block.
type Notifier interface {
	Push(ctx context.Context, update notify.Update)
}

// Alerter raises operator alerts for exhausted compensations.
type Alerter interface {
	Alert(ctx context.Context, alert notify.Alert) error
}

// Logger is the logging subset used by the engine and recovery scanner.
// Saga identity travels in the context (see logger.WithSaga).
type Logger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) InfoContext(context.Context, string, ...any)  {}
func (nopLogger) WarnContext(context.Context, string, ...any)  {}
func (nopLogger) ErrorContext(context.Context, string, ...any) {}

type nopNotifier struct{}

func (nopNotifier) Push(context.Context, notify.Update) {}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, notify.Alert) error { return nil }
