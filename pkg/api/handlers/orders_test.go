package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/orders"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/storage/memory"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

type emptyPlan struct{}

func (emptyPlan) Snapshot() []txlog.PlannedStep { return nil }

type unavailableConfirmer struct{}

func (unavailableConfirmer) Confirm(context.Context, string, []byte) (*orders.Confirmation, error) {
	return nil, &storage.StorageUnavailableError{Cause: context.DeadlineExceeded}
}

func newOrderHandler(t *testing.T) (*OrderHandler, *memory.MemoryStorage) {
	t.Helper()
	store := memory.NewMemoryStorage()
	svc, err := orders.NewService(store, newTestRegistry(t))
	if err != nil {
		t.Fatalf("orders.NewService() error = %v", err)
	}
	return NewOrderHandler(svc, testLogger()), store
}

func TestOrderHandler_Confirm(t *testing.T) {
	handler, store := newOrderHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/order-7/confirm", bytes.NewBufferString(`{"amount":42}`))
	req = withURLParams(req, map[string]string{"orderId": "order-7"})
	w := httptest.NewRecorder()
	handler.Confirm(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", w.Code, w.Body.String())
	}
	var conf orders.Confirmation
	decodeBody(t, w, &conf)
	if conf.OrderID != "order-7" || conf.TransactionID == "" {
		t.Fatalf("confirmation = %+v", conf)
	}

	tx, err := store.GetTransaction(context.Background(), conf.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got := strings.Join(tx.Services(), ","); got != "CREDIT_CARD,INVENTORY,LOGISTICS" {
		t.Fatalf("plan = %s", got)
	}

	pending, err := store.FetchUnprocessed(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchUnprocessed() error = %v", err)
	}
	if len(pending) != 1 || pending[0].TransactionID != conf.TransactionID {
		t.Fatalf("outbox = %+v, want one event for %s", pending, conf.TransactionID)
	}
}

func TestOrderHandler_ConfirmErrors(t *testing.T) {
	store := memory.NewMemoryStorage()
	noServices, err := orders.NewService(store, emptyPlan{})
	if err != nil {
		t.Fatalf("orders.NewService() error = %v", err)
	}
	withServices, _ := newOrderHandler(t)

	tests := []struct {
		name       string
		handler    *OrderHandler
		orderID    string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "blank order id",
			handler:    withServices,
			orderID:    "  ",
			wantStatus: http.StatusBadRequest,
			wantCode:   response.ErrCodeValidationFailed,
		},
		{
			name:       "no active services",
			handler:    NewOrderHandler(noServices, testLogger()),
			orderID:    "order-1",
			wantStatus: http.StatusConflict,
			wantCode:   response.ErrCodeConflict,
		},
		{
			name:       "storage unavailable",
			handler:    NewOrderHandler(unavailableConfirmer{}, testLogger()),
			orderID:    "order-1",
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   response.ErrCodeServiceUnavailable,
		},
		{
			name:       "payload too large",
			handler:    withServices,
			orderID:    "order-1",
			body:       strings.Repeat("x", maxOrderPayloadBytes+1),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   response.ErrCodeBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/x/confirm", strings.NewReader(tt.body))
			req = withURLParams(req, map[string]string{"orderId": tt.orderID})
			w := httptest.NewRecorder()
			tt.handler.Confirm(w, req)
			assertErrorCode(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}
