package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// TransactionReader is the read side of the transaction log.
type TransactionReader interface {
	GetTransaction(ctx context.Context, txID string) (*txlog.Transaction, error)
	Events(ctx context.Context, txID string) ([]txlog.StatusEvent, error)
}

// ServiceStatus is the latest status of one planned service. Message is
// the normalized step wording; downstream error text is only exposed by the
// events endpoint.
type ServiceStatus struct {
	Service   string       `json:"service"`
	Order     int          `json:"order"`
	Status    txlog.Status `json:"status,omitempty"`
	Label     string       `json:"label"`
	Message   string       `json:"message,omitempty"`
	UpdatedAt *time.Time   `json:"updated_at,omitempty"`
}

// TransactionView is the status of one saga as seen by clients.
type TransactionView struct {
	TransactionID      string          `json:"transaction_id"`
	OrderID            string          `json:"order_id"`
	State              txlog.State     `json:"state"`
	Message            string          `json:"message"`
	Services           []ServiceStatus `json:"services"`
	SuccessfulServices []string        `json:"successful_services"`
	CreatedAt          time.Time       `json:"created_at"`
}

// EventsView is the audit trail of one saga.
type EventsView struct {
	TransactionID string              `json:"transaction_id"`
	Events        []txlog.StatusEvent `json:"events"`
}

// TransactionHandler serves transaction status queries.
type TransactionHandler struct {
	log TransactionReader
}

// NewTransactionHandler creates a transaction handler.
func NewTransactionHandler(log TransactionReader) *TransactionHandler {
	return &TransactionHandler{log: log}
}

// Get handles GET /api/v1/transactions/{txId}.
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")
	tx, err := h.log.GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := h.log.Events(r.Context(), txID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, buildTransactionView(tx, txlog.Project(events)))
}

// Events handles GET /api/v1/transactions/{txId}/events.
func (h *TransactionHandler) Events(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")
	if _, err := h.log.GetTransaction(r.Context(), txID); err != nil {
		writeError(w, r, err)
		return
	}
	events, err := h.log.Events(r.Context(), txID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []txlog.StatusEvent{}
	}
	response.JSON(w, http.StatusOK, EventsView{TransactionID: txID, Events: events})
}

func buildTransactionView(tx *txlog.Transaction, proj *txlog.Projection) TransactionView {
	state := proj.State()
	view := TransactionView{
		TransactionID:      tx.ID,
		OrderID:            tx.OrderID,
		State:              state,
		Message:            state.Message(),
		Services:           make([]ServiceStatus, 0, len(tx.Plan)),
		SuccessfulServices: proj.SuccessfulServices(),
		CreatedAt:          tx.CreatedAt,
	}
	for _, step := range tx.Plan {
		status := ServiceStatus{
			Service: step.Service,
			Order:   step.Order,
			Label:   proj.Latest(step.Service).Label(),
		}
		if evt, ok := proj.LatestEvent(step.Service); ok {
			ts := evt.Timestamp
			status.Status = evt.Status
			status.Message = saga.StepMessage(step.Service, evt.Status)
			status.UpdatedAt = &ts
		}
		view.Services = append(view.Services, status)
	}
	return view
}
