package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/orders"
)

const maxOrderPayloadBytes = 1 << 20

// OrderConfirmer starts a saga for a confirmed order.
type OrderConfirmer interface {
	Confirm(ctx context.Context, orderID string, payload []byte) (*orders.Confirmation, error)
}

// OrderHandler handles order confirmation.
type OrderHandler struct {
	orders OrderConfirmer
	logger logger.Logger
}

// NewOrderHandler creates an order handler.
func NewOrderHandler(confirmer OrderConfirmer, log logger.Logger) *OrderHandler {
	return &OrderHandler{orders: confirmer, logger: log}
}

// Confirm handles POST /api/v1/orders/{orderId}/confirm.
// The request body, if any, is carried to the downstream services as the
// order payload. The saga runs asynchronously; the response only confirms
// that it has been recorded.
func (h *OrderHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOrderPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, response.ErrCodeBadRequest, "order payload too large", getRequestID(r))
			return
		}
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(r))
		return
	}

	confirmation, err := h.orders.Confirm(r.Context(), orderID, payload)
	if err != nil {
		if h.logger != nil {
			h.logger.WarnContext(r.Context(), "Order confirmation rejected", "order_id", orderID, "error", err)
		}
		writeError(w, r, err)
		return
	}

	if h.logger != nil {
		h.logger.InfoContext(r.Context(), "Order confirmed",
			"order_id", confirmation.OrderID,
			"tx_id", confirmation.TransactionID,
		)
	}
	response.Accepted(w, confirmation)
}
