// Package memory provides an in-memory implementation of the storage backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// MemoryStorage implements storage.Backend using in-memory maps.
type MemoryStorage struct {
	mu           sync.RWMutex
	transactions map[string]*txlog.Transaction
	created      []string // transaction ids in creation order
	events       map[string][]txlog.StatusEvent
	outbox       map[string]*outbox.Event
	outboxOrder  []string
	configs      map[registry.Generation]*registry.Version
	now          func() time.Time
}

var _ storage.Backend = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		transactions: make(map[string]*txlog.Transaction),
		events:       make(map[string][]txlog.StatusEvent),
		outbox:       make(map[string]*outbox.Event),
		configs:      make(map[registry.Generation]*registry.Version),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateTransaction stores a new transaction header.
func (m *MemoryStorage) CreateTransaction(ctx context.Context, tx *txlog.Transaction) error {
	if err := storage.CheckTransaction(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.createLocked(tx)
}

func (m *MemoryStorage) createLocked(tx *txlog.Transaction) error {
	if _, exists := m.transactions[tx.ID]; exists {
		return storage.TransactionExists(tx.ID)
	}
	copied := copyTransaction(tx)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = m.now()
	}
	m.transactions[tx.ID] = copied
	m.created = append(m.created, tx.ID)
	return nil
}

// GetTransaction retrieves a transaction header by ID.
func (m *MemoryStorage) GetTransaction(ctx context.Context, txID string) (*txlog.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, exists := m.transactions[txID]
	if !exists {
		return nil, storage.TransactionNotFound(txID)
	}
	return copyTransaction(tx), nil
}

// Append validates evt against the stored history and appends it.
func (m *MemoryStorage) Append(ctx context.Context, evt txlog.StatusEvent) (txlog.StatusEvent, error) {
	if err := storage.CheckEvent(evt); err != nil {
		return txlog.StatusEvent{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, exists := m.transactions[evt.TransactionID]
	if !exists {
		return txlog.StatusEvent{}, storage.TransactionNotFound(evt.TransactionID)
	}

	history := m.events[evt.TransactionID]
	if err := txlog.Project(history).CheckAppend(evt); err != nil {
		return txlog.StatusEvent{}, err
	}

	if evt.OrderID == "" {
		evt.OrderID = tx.OrderID
	}
	evt.Sequence = uint64(len(history)) + 1
	evt.Timestamp = m.now()
	m.events[evt.TransactionID] = append(history, evt)
	return evt, nil
}

// Events returns the history of txID ordered by sequence.
func (m *MemoryStorage) Events(ctx context.Context, txID string) ([]txlog.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.events[txID]
	out := make([]txlog.StatusEvent, len(history))
	copy(out, history)
	return out, nil
}

// ListNonTerminal returns open transactions in creation order.
func (m *MemoryStorage) ListNonTerminal(ctx context.Context) ([]*txlog.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*txlog.Transaction
	for _, id := range m.created {
		if txlog.Project(m.events[id]).Closed() {
			continue
		}
		out = append(out, copyTransaction(m.transactions[id]))
	}
	return out, nil
}

// BeginTransaction stores the header and its outbox event under one lock.
func (m *MemoryStorage) BeginTransaction(ctx context.Context, tx *txlog.Transaction, evt *outbox.Event) error {
	if err := storage.CheckTransaction(tx); err != nil {
		return err
	}
	if err := storage.CheckOutboxEvent(tx, evt); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.outbox[evt.ID]; exists {
		return &storage.DuplicateKeyError{EntityType: "outbox event", ID: evt.ID}
	}
	if err := m.createLocked(tx); err != nil {
		return err
	}

	copied := copyOutboxEvent(evt)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = m.now()
	}
	copied.Processed = false
	copied.ProcessedAt = nil
	m.outbox[evt.ID] = copied
	m.outboxOrder = append(m.outboxOrder, evt.ID)
	return nil
}

// FetchUnprocessed returns up to limit unprocessed events, oldest first.
func (m *MemoryStorage) FetchUnprocessed(ctx context.Context, limit int) ([]outbox.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]*outbox.Event, 0)
	for _, id := range m.outboxOrder {
		if evt := m.outbox[id]; !evt.Processed {
			pending = append(pending, evt)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]outbox.Event, 0, len(pending))
	for _, evt := range pending {
		out = append(out, *copyOutboxEvent(evt))
	}
	return out, nil
}

// MarkProcessed flags an outbox event as delivered.
func (m *MemoryStorage) MarkProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, exists := m.outbox[id]
	if !exists {
		return storage.OutboxEventNotFound(id)
	}
	if evt.Processed {
		return nil
	}
	now := m.now()
	evt.Processed = true
	evt.ProcessedAt = &now
	return nil
}

// SaveServiceConfig stores a configuration generation.
func (m *MemoryStorage) SaveServiceConfig(ctx context.Context, gen registry.Generation, v *registry.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[gen] = copyVersion(v)
	return nil
}

// LoadServiceConfig returns a configuration generation, or nil when absent.
func (m *MemoryStorage) LoadServiceConfig(ctx context.Context, gen registry.Generation) (*registry.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, exists := m.configs[gen]
	if !exists {
		return nil, nil
	}
	return copyVersion(v), nil
}

// DeleteServiceConfig removes a configuration generation.
func (m *MemoryStorage) DeleteServiceConfig(ctx context.Context, gen registry.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.configs, gen)
	return nil
}

// PromoteServiceConfig replaces the active generation and drops pending
// under one lock.
func (m *MemoryStorage) PromoteServiceConfig(ctx context.Context, v *registry.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[registry.GenerationActive] = copyVersion(v)
	delete(m.configs, registry.GenerationPending)
	return nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}

func copyTransaction(tx *txlog.Transaction) *txlog.Transaction {
	copied := *tx
	if tx.Payload != nil {
		copied.Payload = append([]byte(nil), tx.Payload...)
	}
	copied.Plan = append([]txlog.PlannedStep(nil), tx.Plan...)
	return &copied
}

func copyOutboxEvent(evt *outbox.Event) *outbox.Event {
	copied := *evt
	if evt.Payload != nil {
		copied.Payload = append([]byte(nil), evt.Payload...)
	}
	if evt.ProcessedAt != nil {
		at := *evt.ProcessedAt
		copied.ProcessedAt = &at
	}
	return &copied
}

func copyVersion(v *registry.Version) *registry.Version {
	if v == nil {
		return nil
	}
	copied := *v
	copied.Services = append([]registry.ServiceConfig(nil), v.Services...)
	return &copied
}
