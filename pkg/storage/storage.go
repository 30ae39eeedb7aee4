// Package storage defines the persistence backends of the orchestrator.
//
// Every backend stores the transaction log, the outbox and the service
// configuration generations, and offers the unit of work that records a new
// transaction together with the outbox event requesting its execution.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// UnitOfWork persists a transaction header and its outbox event atomically:
// both are stored or neither is.
type UnitOfWork interface {
	BeginTransaction(ctx context.Context, tx *txlog.Transaction, evt *outbox.Event) error
}

// Backend is implemented by every storage engine.
type Backend interface {
	txlog.Log
	outbox.Store
	registry.Store
	UnitOfWork

	Ping(ctx context.Context) error
	Close() error
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
	Cause      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

// DuplicateKeyError indicates that an entity with the given ID already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
	Cause      error
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

func (e *DuplicateKeyError) Unwrap() error {
	return e.Cause
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// ErrInvalidInput is returned for headers or events missing required fields.
var ErrInvalidInput = errors.New("storage: invalid input")

// TransactionNotFound returns the not-found error for a transaction id.
func TransactionNotFound(id string) error {
	return &NotFoundError{EntityType: "transaction", ID: id, Cause: txlog.ErrTransactionNotFound}
}

// TransactionExists returns the duplicate-key error for a transaction id.
func TransactionExists(id string) error {
	return &DuplicateKeyError{EntityType: "transaction", ID: id, Cause: txlog.ErrTransactionExists}
}

// OutboxEventNotFound returns the not-found error for an outbox event id.
func OutboxEventNotFound(id string) error {
	return &NotFoundError{EntityType: "outbox event", ID: id, Cause: outbox.ErrEventNotFound}
}

// CheckTransaction validates a header before it is stored.
func CheckTransaction(tx *txlog.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if tx.OrderID == "" {
		return fmt.Errorf("%w: transaction %s has no order id", ErrInvalidInput, tx.ID)
	}
	return nil
}

// CheckOutboxEvent validates an outbox event written alongside tx.
func CheckOutboxEvent(tx *txlog.Transaction, evt *outbox.Event) error {
	if evt == nil {
		return fmt.Errorf("%w: outbox event is required", ErrInvalidInput)
	}
	if evt.ID == "" || evt.EventType == "" {
		return fmt.Errorf("%w: outbox event needs an id and a type", ErrInvalidInput)
	}
	if evt.TransactionID != tx.ID {
		return fmt.Errorf("%w: outbox event %s references %q, not %q", ErrInvalidInput, evt.ID, evt.TransactionID, tx.ID)
	}
	return nil
}

// CheckEvent validates the identity fields of a status event.
func CheckEvent(evt txlog.StatusEvent) error {
	if evt.TransactionID == "" || evt.Service == "" {
		return fmt.Errorf("%w: status event needs a transaction id and a service", ErrInvalidInput)
	}
	if _, err := txlog.ParseStatus(string(evt.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
