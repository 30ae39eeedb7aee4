// Package txlog holds the event-sourced transaction log of the saga orchestrator.
//
// Every outcome is appended as an immutable StatusEvent. The current state of a
// transaction is never stored: it is projected from its events, the latest event
// per service winning.
package txlog

import (
	"context"
	"errors"
)

var (
	// ErrInvalidTransition is returned when an append breaks the status lattice.
	ErrInvalidTransition = errors.New("txlog: invalid status transition")
	// ErrTransactionClosed is returned when appending after a saga-level terminal event.
	ErrTransactionClosed = errors.New("txlog: transaction is closed")
	// ErrTransactionNotFound is returned when a transaction header is missing.
	ErrTransactionNotFound = errors.New("txlog: transaction not found")
	// ErrTransactionExists is returned when creating a duplicate transaction.
	ErrTransactionExists = errors.New("txlog: transaction already exists")
)

// Log is the transaction-log persistence contract.
//
// Implementations must give read-after-write consistency per transaction id and
// validate every append against the projection of the events already stored.
type Log interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Append stores evt, assigning Sequence and Timestamp, and returns the stored fact.
	Append(ctx context.Context, evt StatusEvent) (StatusEvent, error)
	Events(ctx context.Context, txID string) ([]StatusEvent, error)

	// ListNonTerminal returns every transaction without a saga-level terminal event.
	ListNonTerminal(ctx context.Context) ([]*Transaction, error)
}

// Recorder adds the query operations of the transaction log on top of a Log.
type Recorder struct {
	log Log
}

// NewRecorder wraps log.
func NewRecorder(log Log) *Recorder {
	return &Recorder{log: log}
}

// Log returns the underlying store.
func (r *Recorder) Log() Log {
	return r.log
}

// RecordStatus appends a status for service.
func (r *Recorder) RecordStatus(ctx context.Context, txID, orderID, service string, status Status) (StatusEvent, error) {
	return r.RecordStatusWithError(ctx, txID, orderID, service, status, "")
}

// RecordStatusWithError appends a status carrying an error message.
func (r *Recorder) RecordStatusWithError(ctx context.Context, txID, orderID, service string, status Status, message string) (StatusEvent, error) {
	trace := TraceFromContext(ctx)
	return r.log.Append(ctx, StatusEvent{
		TransactionID: txID,
		OrderID:       orderID,
		Service:       service,
		Status:        status,
		ErrorMessage:  message,
		TraceID:       trace.TraceID,
		SpanID:        trace.SpanID,
	})
}

// Project loads and projects all events of txID.
func (r *Recorder) Project(ctx context.Context, txID string) (*Projection, error) {
	events, err := r.log.Events(ctx, txID)
	if err != nil {
		return nil, err
	}
	return Project(events), nil
}

// LatestStatuses returns the last status per service.
func (r *Recorder) LatestStatuses(ctx context.Context, txID string) (map[string]Status, error) {
	p, err := r.Project(ctx, txID)
	if err != nil {
		return nil, err
	}
	return p.LatestStatuses(), nil
}

// SuccessfulServices returns services currently at S in order of success.
func (r *Recorder) SuccessfulServices(ctx context.Context, txID string) ([]string, error) {
	p, err := r.Project(ctx, txID)
	if err != nil {
		return nil, err
	}
	return p.SuccessfulServices(), nil
}

// IsComplete reports whether every expected service reached S.
func (r *Recorder) IsComplete(ctx context.Context, txID string, expected []string) (bool, error) {
	p, err := r.Project(ctx, txID)
	if err != nil {
		return false, err
	}
	return p.IsComplete(expected), nil
}
