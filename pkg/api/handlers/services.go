package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/registry"
)

// ServiceRegistry is the administrative surface of the service registry.
type ServiceRegistry interface {
	GetActive() *registry.Version
	GetPending() *registry.Version
	SetPending(ctx context.Context, services []registry.ServiceConfig) (*registry.Version, error)
	ApplyPending(ctx context.Context) (*registry.Version, error)
	DiscardPending(ctx context.Context) error
	GetTimeout(service string) (time.Duration, error)
	GetOrder() []string
}

// PendingRequest is the body of PUT /api/v1/services/pending.
type PendingRequest struct {
	Services []registry.ServiceConfig `json:"services"`
}

// OrderView lists active services in execution order.
type OrderView struct {
	Services []string `json:"services"`
}

// TimeoutView is the active timeout of one service.
type TimeoutView struct {
	Service        string `json:"service"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ServiceHandler manages the pending and active service configurations.
type ServiceHandler struct {
	registry ServiceRegistry
	logger   logger.Logger
}

// NewServiceHandler creates a service configuration handler.
func NewServiceHandler(reg ServiceRegistry, log logger.Logger) *ServiceHandler {
	return &ServiceHandler{registry: reg, logger: log}
}

// GetActive handles GET /api/v1/services/active.
func (h *ServiceHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	active := h.registry.GetActive()
	if active == nil {
		writeError(w, r, registry.ErrNoActive)
		return
	}
	response.JSON(w, http.StatusOK, active)
}

// GetPending handles GET /api/v1/services/pending.
func (h *ServiceHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	pending := h.registry.GetPending()
	if pending == nil {
		writeError(w, r, registry.ErrNoPending)
		return
	}
	response.JSON(w, http.StatusOK, pending)
}

// SetPending handles PUT /api/v1/services/pending.
// The staged list replaces any previous pending generation.
func (h *ServiceHandler) SetPending(w http.ResponseWriter, r *http.Request) {
	var req PendingRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(r))
		return
	}

	version, err := h.registry.SetPending(r.Context(), req.Services)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logInfo(r, "Pending service configuration staged", "version", version.Number, "services", len(version.Services))
	response.JSON(w, http.StatusOK, version)
}

// ApplyPending handles POST /api/v1/services/pending/apply.
func (h *ServiceHandler) ApplyPending(w http.ResponseWriter, r *http.Request) {
	version, err := h.registry.ApplyPending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logInfo(r, "Pending service configuration applied", "version", version.Number, "order", h.registry.GetOrder())
	response.JSON(w, http.StatusOK, version)
}

// DiscardPending handles DELETE /api/v1/services/pending.
func (h *ServiceHandler) DiscardPending(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DiscardPending(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	h.logInfo(r, "Pending service configuration discarded")
	response.NoContent(w)
}

// GetOrder handles GET /api/v1/services/order.
func (h *ServiceHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, OrderView{Services: h.registry.GetOrder()})
}

// GetTimeout handles GET /api/v1/services/{name}/timeout.
func (h *ServiceHandler) GetTimeout(w http.ResponseWriter, r *http.Request) {
	kind, err := registry.ParseKind(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	timeout, err := h.registry.GetTimeout(kind.String())
	if err != nil {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, err.Error(), getRequestID(r))
		return
	}
	response.JSON(w, http.StatusOK, TimeoutView{
		Service:        kind.String(),
		TimeoutSeconds: int(timeout / time.Second),
	})
}

func (h *ServiceHandler) logInfo(r *http.Request, msg string, args ...any) {
	if h.logger != nil {
		h.logger.InfoContext(r.Context(), msg, args...)
	}
}
