package eventbus

import (
	"context"
	"fmt"
	"sync"
)

const defaultSeenCapacity = 4096

// Handler processes one envelope.
type Handler func(ctx context.Context, env Envelope) error

// Logger is the logging subset used by the consumer.
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// Consumer subscribes to a subject, decodes envelopes, suppresses duplicate
// deliveries and hands each envelope to a handler.
type Consumer struct {
	bus     Bus
	subject string
	buffer  int
	handler Handler
	logger  Logger

	seen *seenSet
}

// NewConsumer creates a consumer of subject.
func NewConsumer(bus Bus, subject string, buffer int, handler Handler, logger Logger) (*Consumer, error) {
	if bus == nil {
		return nil, fmt.Errorf("eventbus: bus cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("eventbus: handler cannot be nil")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Consumer{
		bus:     bus,
		subject: subject,
		buffer:  buffer,
		handler: handler,
		logger:  logger,
		seen:    newSeenSet(defaultSeenCapacity),
	}, nil
}

// Run consumes until ctx is done or the subscription closes.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, c.subject, c.buffer)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		c.logger.Warn("eventbus message rejected", "subject", msg.Subject, "error", err)
		return
	}
	if c.seen.contains(env.EventID) {
		return
	}
	if err := c.handler(ctx, env); err != nil {
		c.logger.Warn("eventbus handler failed", "subject", msg.Subject, "event_id", env.EventID, "error", err)
		return
	}
	c.seen.add(env.EventID)
}

// seenSet remembers the most recent ids up to a fixed capacity.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

func (s *seenSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.order)
}
