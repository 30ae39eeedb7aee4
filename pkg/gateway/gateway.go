// Package gateway is the uniform notify/rollback client over the downstream services.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/goclaw/ordersaga/pkg/registry"
)

// ErrUnavailable is returned when a service's breaker is open or its limiter refuses.
var ErrUnavailable = errors.New("gateway: service unavailable")

// NotifyRequest is the body of POST <service>/notify.
type NotifyRequest struct {
	TxID    string `json:"txId"`
	OrderID string `json:"orderId"`
	Payload any    `json:"payload,omitempty"`
}

// NotifyResponse is the downstream answer to a notify call.
type NotifyResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	ServiceReference string `json:"serviceReference,omitempty"`
}

// RollbackRequest is the body of POST <service>/rollback.
type RollbackRequest struct {
	TxID    string `json:"txId"`
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// RollbackResponse is the downstream answer to a rollback call.
type RollbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client calls downstream services. Implementations return an error for
// transport failures, timeouts and non-2xx statuses; an explicit
// success=false answer is returned as a response, not an error.
type Client interface {
	Notify(ctx context.Context, kind registry.ServiceKind, req NotifyRequest) (*NotifyResponse, error)
	Rollback(ctx context.Context, kind registry.ServiceKind, req RollbackRequest) (*RollbackResponse, error)
}

// StatusError reports a non-2xx downstream response.
type StatusError struct {
	Service    registry.ServiceKind
	Operation  registry.Operation
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Service, e.Operation, e.StatusCode)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// MetricsRecorder observes downstream calls.
type MetricsRecorder interface {
	RecordDownstreamCall(service, operation, result string, durationSeconds float64)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordDownstreamCall(string, string, string, float64) {}

// Logger is the logging surface used by the gateway.
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}
