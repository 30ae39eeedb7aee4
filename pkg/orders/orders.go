// Package orders turns a confirmed order into a durable saga request.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

var (
	// ErrMissingOrderID is returned when confirming without an order id.
	ErrMissingOrderID = errors.New("orders: order id is required")
	// ErrNoActiveServices is returned when the active configuration is empty.
	ErrNoActiveServices = errors.New("orders: no active services configured")
)

// PlanSource provides the plan captured for a new saga.
type PlanSource interface {
	Snapshot() []txlog.PlannedStep
}

// Confirmation identifies the saga started for an order.
type Confirmation struct {
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id"`
	EventID       string    `json:"event_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Service records order confirmations.
type Service struct {
	uow   storage.UnitOfWork
	plans PlanSource
	newID func() string
	now   func() time.Time
}

// NewService creates an order service writing through uow.
func NewService(uow storage.UnitOfWork, plans PlanSource) (*Service, error) {
	if uow == nil {
		return nil, fmt.Errorf("unit of work cannot be nil")
	}
	if plans == nil {
		return nil, fmt.Errorf("plan source cannot be nil")
	}
	return &Service{
		uow:   uow,
		plans: plans,
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Confirm allocates a transaction id and persists the transaction header
// together with an ORDER_CONFIRMED outbox event. The saga itself runs later,
// once the relay picks the event up.
func (s *Service) Confirm(ctx context.Context, orderID string, payload []byte) (*Confirmation, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrMissingOrderID
	}
	plan := s.plans.Snapshot()
	if len(plan) == 0 {
		return nil, ErrNoActiveServices
	}

	now := s.now()
	tx := &txlog.Transaction{
		ID:        s.newID(),
		OrderID:   orderID,
		Payload:   headerPayload(payload),
		Plan:      plan,
		CreatedAt: now,
	}
	evt := &outbox.Event{
		ID:            s.newID(),
		TransactionID: tx.ID,
		OrderID:       orderID,
		EventType:     outbox.EventOrderConfirmed,
		Payload:       payload,
		CreatedAt:     now,
	}
	if err := s.uow.BeginTransaction(ctx, tx, evt); err != nil {
		return nil, fmt.Errorf("confirm order %s: %w", orderID, err)
	}

	return &Confirmation{
		TransactionID: tx.ID,
		OrderID:       orderID,
		EventID:       evt.ID,
		CreatedAt:     now,
	}, nil
}

// headerPayload keeps valid JSON as is and stores anything else as a JSON string.
// The outbox event keeps the original bytes.
func headerPayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return nil
	}
	return quoted
}
