package saga

import (
	"context"

	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/outbox"
)

// RequestFromMessage converts a relayed outbox message into an engine request.
// A payload that could not be parsed is passed on as an opaque string.
func RequestFromMessage(msg outbox.Message) Request {
	req := Request{
		TxID:    msg.TransactionID,
		OrderID: msg.OrderID,
		Payload: msg.Payload,
	}
	if req.Payload == nil && msg.RawPayload != "" {
		req.Payload = msg.RawPayload
	}
	return req
}

// PoolDispatcher returns an outbox dispatcher that hands each message to the
// worker pool. Dispatch fails when the pool is full or closed, which leaves
// the outbox event unprocessed for the next poll.
func (e *Engine) PoolDispatcher() outbox.Dispatcher {
	return outbox.DispatchFunc(func(ctx context.Context, msg outbox.Message) error {
		return e.Submit(RequestFromMessage(msg))
	})
}

// HandleEnvelope is the event-bus consumer entry point. It submits to the
// worker pool when one is configured and executes inline otherwise.
func (e *Engine) HandleEnvelope(ctx context.Context, env eventbus.Envelope) error {
	msg, err := outbox.DecodeMessage(env)
	if err != nil {
		return err
	}
	req := RequestFromMessage(msg)
	if e.pool != nil {
		return e.Submit(req)
	}
	_, err = e.Execute(ctx, req)
	return err
}
