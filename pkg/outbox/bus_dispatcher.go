package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goclaw/ordersaga/pkg/eventbus"
)

// BusDispatcher publishes messages on the event bus instead of calling the
// engine directly. The envelope id is the outbox event id, so consumers can
// suppress redeliveries.
type BusDispatcher struct {
	bus     eventbus.Bus
	subject string
	nodeID  string
}

// NewBusDispatcher creates a dispatcher publishing on subject.
func NewBusDispatcher(bus eventbus.Bus, subject, nodeID string) *BusDispatcher {
	if subject == "" {
		subject = eventbus.SubjectSagaExecute
	}
	return &BusDispatcher{bus: bus, subject: subject, nodeID: nodeID}
}

// Dispatch publishes msg.
func (d *BusDispatcher) Dispatch(ctx context.Context, msg Message) error {
	env, err := eventbus.BuildEnvelope(eventbus.BuildEnvelopeInput{
		EventID:     msg.EventID,
		EventType:   msg.EventType,
		NodeID:      d.nodeID,
		OrderingKey: msg.TransactionID,
		Payload:     msg,
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return d.bus.Publish(ctx, d.subject, raw)
}

// DecodeMessage extracts the outbox message carried by env.
func DecodeMessage(env eventbus.Envelope) (Message, error) {
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode outbox message: %w", err)
	}
	if msg.TransactionID == "" {
		return Message{}, fmt.Errorf("outbox message %s has no transaction id", env.EventID)
	}
	return msg, nil
}
