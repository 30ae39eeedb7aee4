// Package handlers provides HTTP request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/goclaw/ordersaga/pkg/api/middleware"
	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/orders"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// classify attaches an HTTP status to domain errors.
func classify(err error) error {
	var (
		validation  *registry.ValidationError
		unavailable *storage.StorageUnavailableError
	)
	switch {
	case errors.As(err, &validation),
		errors.Is(err, orders.ErrMissingOrderID),
		errors.Is(err, registry.ErrUnknownService),
		errors.Is(err, storage.ErrInvalidInput):
		return response.WithStatus(err, http.StatusBadRequest, response.ErrCodeValidationFailed)
	case errors.Is(err, txlog.ErrTransactionNotFound),
		errors.Is(err, registry.ErrNoPending),
		errors.Is(err, registry.ErrNoActive):
		return response.WithStatus(err, http.StatusNotFound, "")
	case errors.Is(err, orders.ErrNoActiveServices),
		errors.Is(err, txlog.ErrTransactionExists),
		errors.Is(err, txlog.ErrTransactionClosed):
		return response.WithStatus(err, http.StatusConflict, "")
	case errors.As(err, &unavailable),
		errors.Is(err, saga.ErrEngineClosed):
		return response.WithStatus(err, http.StatusServiceUnavailable, "")
	default:
		return err
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	response.HandleError(w, classify(err), getRequestID(r))
}

func getRequestID(r *http.Request) string {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return id
	}
	return "unknown"
}
