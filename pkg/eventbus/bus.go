// Package eventbus is the optional message substrate between the outbox relay
// and the saga engine. Subjects are dot separated; see SubjectSagaExecute.
package eventbus

import (
	"context"
	"time"
)

// SubjectSagaExecute carries saga execution requests.
const SubjectSagaExecute = "ordersaga.v1.saga.execute"

// Message is a delivered bus message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Subscription delivers messages until closed.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus publishes and subscribes by subject.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, buffer int) (Subscription, error)
	Close() error
}
