// Package notify pushes saga progress to observers and raises operator alerts.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 16

// Update is one progress notification for a transaction.
type Update struct {
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id"`
	Service       string    `json:"service,omitempty"`
	Status        string    `json:"status"`
	State         string    `json:"state"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// Subscription receives updates until cancelled.
type Subscription struct {
	C    <-chan Update
	ch   chan Update
	txID string
	hub  *Hub
}

// Cancel removes the subscription and closes C.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s)
}

// Hub fans updates out to subscribers. Push never blocks: a subscriber
// whose buffer is full misses the update.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	buffer      int
	closed      bool

	dropped atomic.Int64
}

// NewHub creates a hub with per-subscriber buffers of size buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subscribers: make(map[*Subscription]struct{}),
		buffer:      buffer,
	}
}

// Subscribe registers an observer. An empty txID receives every transaction.
func (h *Hub) Subscribe(txID string) *Subscription {
	ch := make(chan Update, h.buffer)
	sub := &Subscription{C: ch, ch: ch, txID: txID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.subscribers[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.ch)
}

// Push delivers update to matching subscribers.
func (h *Hub) Push(_ context.Context, update Update) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		if sub.txID != "" && sub.txID != update.TransactionID {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns the number of updates lost to full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, sub)
	}
}
