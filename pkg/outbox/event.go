// Package outbox relays durably recorded events to the saga engine.
//
// Events are written in the same unit of work as the state change that
// produced them, then polled by the Relay, dispatched, and marked processed.
// Delivery is at-least-once: an event whose dispatch fails stays unprocessed
// and is retried on the next poll.
package outbox

import (
	"context"
	"errors"
	"time"
)

// EventOrderConfirmed requests a saga run for a confirmed order.
const EventOrderConfirmed = "ORDER_CONFIRMED"

// ErrEventNotFound is returned when marking an unknown event.
var ErrEventNotFound = errors.New("outbox: event not found")

// Event is one outbox row. Payload holds the raw bytes as written.
type Event struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	OrderID       string     `json:"order_id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	Processed     bool       `json:"processed"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// Store is the outbox persistence contract.
type Store interface {
	// FetchUnprocessed returns up to limit unprocessed events, oldest first.
	FetchUnprocessed(ctx context.Context, limit int) ([]Event, error)
	// MarkProcessed flags an event as delivered. Processed events are kept.
	MarkProcessed(ctx context.Context, id string) error
}

// Message is the engine-invocation message built from an event.
type Message struct {
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	EventType     string `json:"event_type"`
	Payload       any    `json:"payload,omitempty"`
	// RawPayload carries the payload verbatim when it is not valid JSON.
	RawPayload string `json:"raw_payload,omitempty"`
}

// Dispatcher hands a message to the engine's entry point.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, msg Message) error

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
