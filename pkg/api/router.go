// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/api/handlers"
	"github.com/goclaw/ordersaga/pkg/api/middleware"
	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes unregistered.
type Handlers struct {
	// Orders handles order confirmation
	Orders *handlers.OrderHandler

	// Transactions handles saga status queries
	Transactions *handlers.TransactionHandler

	// Services handles service configuration administration
	Services *handlers.ServiceHandler

	// Progress streams saga progress over websocket
	Progress *handlers.WebSocketHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	// Tracing runs before metrics so request exemplars carry the trace id.
	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(req.Context()))
	})

	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Orders != nil {
			r.Post("/orders/{orderId}/confirm", h.Orders.Confirm)
		}

		if h.Transactions != nil {
			r.Route("/transactions/{txId}", func(r chi.Router) {
				r.Get("/", h.Transactions.Get)
				r.Get("/events", h.Transactions.Events)
			})
		}

		if h.Services != nil {
			r.Route("/services", func(r chi.Router) {
				r.Get("/active", h.Services.GetActive)
				r.Get("/order", h.Services.GetOrder)
				r.Get("/{name}/timeout", h.Services.GetTimeout)
				r.Route("/pending", func(r chi.Router) {
					r.Get("/", h.Services.GetPending)
					r.Put("/", h.Services.SetPending)
					r.Delete("/", h.Services.DiscardPending)
					r.Post("/apply", h.Services.ApplyPending)
				})
			})
		}
	})

	if h.Progress != nil {
		r.Handle("/ws/transactions", h.Progress)
	}

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
	}
}
