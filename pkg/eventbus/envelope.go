package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersionV1 is the only envelope schema this build reads and writes.
const SchemaVersionV1 = "v1"

// ErrInvalidEnvelope wraps every build and decode failure.
var ErrInvalidEnvelope = errors.New("eventbus: invalid envelope")

// Envelope wraps every payload published on the bus. OrderingKey is the
// transaction id, so consumers can serialize work per saga.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	NodeID        string          `json:"node_id"`
	OrderingKey   string          `json:"ordering_key"`
	Payload       json.RawMessage `json:"payload"`
}

// BuildEnvelopeInput is used to construct a new envelope.
type BuildEnvelopeInput struct {
	// EventID doubles as the consumer dedupe key; generated when empty.
	EventID     string
	EventType   string
	NodeID      string
	OrderingKey string
	Payload     any
}

func (e Envelope) validate() error {
	var missing []string
	for _, f := range [...]struct{ name, value string }{
		{"event id", e.EventID},
		{"event type", e.EventType},
		{"node id", e.NodeID},
		{"ordering key", e.OrderingKey},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidEnvelope, missing)
	}
	if e.SchemaVersion != SchemaVersionV1 {
		return fmt.Errorf("%w: unsupported schema version %q", ErrInvalidEnvelope, e.SchemaVersion)
	}
	return nil
}

// BuildEnvelope creates a v1 envelope stamped with the current time.
func BuildEnvelope(input BuildEnvelopeInput) (Envelope, error) {
	if input.EventID == "" {
		input.EventID = uuid.NewString()
	}
	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: marshal payload: %v", ErrInvalidEnvelope, err)
	}

	env := Envelope{
		EventID:       input.EventID,
		EventType:     input.EventType,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersionV1,
		NodeID:        input.NodeID,
		OrderingKey:   input.OrderingKey,
		Payload:       payload,
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeEnvelope parses raw and rejects envelopes this build cannot handle.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
