package txlog

import (
	"encoding/json"
	"time"
)

// StatusEvent is one immutable fact in a transaction's history.
type StatusEvent struct {
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id"`
	Service       string    `json:"service"`
	Status        Status    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Sequence      uint64    `json:"sequence"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// IsSagaLevel reports whether the event is a whole-saga record.
func (e StatusEvent) IsSagaLevel() bool {
	return e.Service == SagaService
}

// PlannedStep is one service captured from the active config when a saga starts.
type PlannedStep struct {
	Service string        `json:"service"`
	Order   int           `json:"order"`
	Timeout time.Duration `json:"timeout"`
}

// Transaction is the immutable header of one saga attempt.
// Its status is never stored here; it is derived from StatusEvents.
type Transaction struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Plan      []PlannedStep   `json:"plan"`
	CreatedAt time.Time       `json:"created_at"`
}

// Services returns the planned service names in execution order.
func (t *Transaction) Services() []string {
	names := make([]string, 0, len(t.Plan))
	for _, step := range t.Plan {
		names = append(names, step.Service)
	}
	return names
}

// Step returns the planned step for service.
func (t *Transaction) Step(service string) (PlannedStep, bool) {
	for _, step := range t.Plan {
		if step.Service == service {
			return step, true
		}
	}
	return PlannedStep{}, false
}
