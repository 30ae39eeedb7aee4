package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/storage/memory"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

type staticPlan []txlog.PlannedStep

func (p staticPlan) Snapshot() []txlog.PlannedStep {
	return append([]txlog.PlannedStep(nil), p...)
}

type failingUnitOfWork struct{}

func (failingUnitOfWork) BeginTransaction(context.Context, *txlog.Transaction, *outbox.Event) error {
	return errors.New("disk full")
}

var plan = staticPlan{
	{Service: "CREDIT_CARD", Order: 1, Timeout: time.Second},
	{Service: "INVENTORY", Order: 2, Timeout: time.Second},
}

func newTestService(t *testing.T) (*Service, *memory.MemoryStorage) {
	t.Helper()
	store := memory.NewMemoryStorage()
	svc, err := NewService(store, plan)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	ids := 0
	svc.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	return svc, store
}

func TestConfirmWritesTransactionAndOutboxEvent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	conf, err := svc.Confirm(ctx, " order-1 ", []byte(`{"amount":12}`))
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if conf.TransactionID != "id-1" || conf.EventID != "id-2" || conf.OrderID != "order-1" {
		t.Fatalf("unexpected confirmation %+v", conf)
	}

	tx, err := store.GetTransaction(ctx, conf.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if len(tx.Plan) != 2 || string(tx.Payload) != `{"amount":12}` {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	events, err := store.FetchUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnprocessed() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 outbox event, got %d", len(events))
	}
	if events[0].EventType != outbox.EventOrderConfirmed || events[0].TransactionID != conf.TransactionID {
		t.Fatalf("unexpected outbox event %+v", events[0])
	}

	// No status event exists until the engine runs.
	history, err := store.Events(ctx, conf.TransactionID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d events", len(history))
	}
}

func TestConfirmKeepsMalformedPayloadInOutbox(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	conf, err := svc.Confirm(ctx, "order-1", []byte(`{broken`))
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	tx, err := store.GetTransaction(ctx, conf.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if string(tx.Payload) != `"{broken"` {
		t.Fatalf("header payload = %s", tx.Payload)
	}
	events, err := store.FetchUnprocessed(ctx, 1)
	if err != nil {
		t.Fatalf("FetchUnprocessed() error = %v", err)
	}
	if string(events[0].Payload) != `{broken` {
		t.Fatalf("outbox payload = %s", events[0].Payload)
	}
}

func TestConfirmValidation(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Confirm(context.Background(), "  ", nil); !errors.Is(err, ErrMissingOrderID) {
		t.Fatalf("expected ErrMissingOrderID, got %v", err)
	}

	empty, err := NewService(memory.NewMemoryStorage(), staticPlan{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := empty.Confirm(context.Background(), "order-1", nil); !errors.Is(err, ErrNoActiveServices) {
		t.Fatalf("expected ErrNoActiveServices, got %v", err)
	}

	if _, err := NewService(nil, plan); err == nil {
		t.Fatalf("expected error for nil unit of work")
	}
}

func TestConfirmPropagatesStorageErrors(t *testing.T) {
	svc, err := NewService(failingUnitOfWork{}, plan)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Confirm(context.Background(), "order-1", nil); err == nil {
		t.Fatalf("expected storage error")
	}
}
