package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
)

// Logger is the logging subset used by the relay.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// MetricsRecorder records relay metrics.
type MetricsRecorder interface {
	RecordOutboxPoll(fetched int, duration time.Duration)
	RecordOutboxDispatch(result string)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordOutboxPoll(int, time.Duration) {}
func (nopMetricsRecorder) RecordOutboxDispatch(string)         {}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithInterval sets the fixed poll interval.
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets the number of events fetched per poll.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) RelayOption {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// PollStats summarizes one poll cycle.
type PollStats struct {
	Fetched    int
	Dispatched int
	Failed     int
	Malformed  int
}

// Relay polls the outbox on a fixed interval and dispatches events.
type Relay struct {
	store      Store
	dispatcher Dispatcher
	interval   time.Duration
	batchSize  int
	logger     Logger
	metrics    MetricsRecorder

	mu sync.Mutex
}

// NewRelay creates a relay from store to dispatcher.
func NewRelay(store Store, dispatcher Dispatcher, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox store cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	r := &Relay{
		store:      store,
		dispatcher: dispatcher,
		interval:   defaultPollInterval,
		batchSize:  defaultBatchSize,
		logger:     nopLogger{},
		metrics:    nopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("outbox poll failed", "error", err)
			}
		}
	}
}

// PollOnce fetches one batch and dispatches each event independently.
func (r *Relay) PollOnce(ctx context.Context) (PollStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats PollStats
	start := time.Now()
	events, err := r.store.FetchUnprocessed(ctx, r.batchSize)
	if err != nil {
		return stats, fmt.Errorf("fetch unprocessed outbox events: %w", err)
	}
	stats.Fetched = len(events)
	defer func() {
		r.metrics.RecordOutboxPoll(stats.Fetched, time.Since(start))
	}()

	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}
		msg, wellFormed := BuildMessage(evt)
		if !wellFormed {
			stats.Malformed++
			r.metrics.RecordOutboxDispatch("malformed")
			r.logger.Warn("outbox payload is not valid JSON, forwarding raw",
				"event_id", evt.ID,
				"tx_id", evt.TransactionID,
			)
		}

		if err := r.dispatch(ctx, msg); err != nil {
			stats.Failed++
			r.metrics.RecordOutboxDispatch("failed")
			r.logger.Warn("outbox dispatch failed, will retry",
				"event_id", evt.ID,
				"tx_id", evt.TransactionID,
				"error", err,
			)
			continue
		}

		if err := r.store.MarkProcessed(ctx, evt.ID); err != nil {
			stats.Failed++
			r.metrics.RecordOutboxDispatch("mark_failed")
			r.logger.Error("outbox mark processed failed", "event_id", evt.ID, "error", err)
			continue
		}
		stats.Dispatched++
		r.metrics.RecordOutboxDispatch("dispatched")
		r.logger.Debug("outbox event dispatched", "event_id", evt.ID, "tx_id", evt.TransactionID)
	}
	return stats, nil
}

func (r *Relay) dispatch(ctx context.Context, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatcher panicked: %v", rec)
		}
	}()
	return r.dispatcher.Dispatch(ctx, msg)
}

// BuildMessage converts evt into an engine message. The boolean is false
// when the payload is not valid JSON and was forwarded as RawPayload.
func BuildMessage(evt Event) (Message, bool) {
	msg := Message{
		EventID:       evt.ID,
		TransactionID: evt.TransactionID,
		OrderID:       evt.OrderID,
		EventType:     evt.EventType,
	}
	if len(evt.Payload) == 0 {
		return msg, true
	}
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		msg.RawPayload = string(evt.Payload)
		return msg, false
	}
	msg.Payload = payload
	return msg, true
}
