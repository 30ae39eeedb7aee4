// Package badger provides a Badger-based implementation of the storage backend.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	InMemory          bool
}

// BadgerStorage implements storage.Backend using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

var _ storage.Backend = (*BadgerStorage)(nil)

const conflictRetries = 5

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

// Key generation functions
func transactionKey(id string) []byte {
	return []byte(fmt.Sprintf("tx:%s", id))
}

func openIndexKey(id string) []byte {
	return []byte(fmt.Sprintf("tx-open:%s", id))
}

func openIndexPrefix() []byte {
	return []byte("tx-open:")
}

func eventKey(txID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("txev:%s:%020d", txID, seq))
}

func eventPrefix(txID string) []byte {
	return []byte(fmt.Sprintf("txev:%s:", txID))
}

func sequenceKey(txID string) []byte {
	return []byte(fmt.Sprintf("txev-seq:%s", txID))
}

func outboxKey(id string) []byte {
	return []byte(fmt.Sprintf("outbox:%s", id))
}

func outboxPendingKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("outbox-pending:%020d:%s", createdAt.UnixNano(), id))
}

func outboxPendingPrefix() []byte {
	return []byte("outbox-pending:")
}

func serviceConfigKey(gen registry.Generation) []byte {
	return []byte(fmt.Sprintf("svccfg:%s", gen))
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *BadgerStorage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// CreateTransaction stores a new transaction header and marks it open.
func (b *BadgerStorage) CreateTransaction(ctx context.Context, tx *txlog.Transaction) error {
	if err := storage.CheckTransaction(tx); err != nil {
		return err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	data, err := serialize(tx)
	if err != nil {
		return err
	}

	return b.update(ctx, func(txn *badger.Txn) error {
		return createInTxn(txn, tx.ID, data)
	})
}

func createInTxn(txn *badger.Txn, id string, data []byte) error {
	if _, err := txn.Get(transactionKey(id)); err == nil {
		return storage.TransactionExists(id)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	if err := txn.Set(transactionKey(id), data); err != nil {
		return err
	}
	return txn.Set(openIndexKey(id), []byte{})
}

// GetTransaction retrieves a transaction header by ID.
func (b *BadgerStorage) GetTransaction(ctx context.Context, txID string) (*txlog.Transaction, error) {
	var tx *txlog.Transaction
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		tx, err = getTransactionInTxn(txn, txID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func getTransactionInTxn(txn *badger.Txn, id string) (*txlog.Transaction, error) {
	item, err := txn.Get(transactionKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.TransactionNotFound(id)
		}
		return nil, err
	}

	var tx txlog.Transaction
	if err := item.Value(func(val []byte) error {
		return deserialize(val, &tx)
	}); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Append validates evt against the stored history and appends it. The event,
// the sequence counter and the open index are updated in one transaction.
func (b *BadgerStorage) Append(ctx context.Context, evt txlog.StatusEvent) (txlog.StatusEvent, error) {
	if err := storage.CheckEvent(evt); err != nil {
		return txlog.StatusEvent{}, err
	}

	var stored txlog.StatusEvent
	err := b.update(ctx, func(txn *badger.Txn) error {
		tx, err := getTransactionInTxn(txn, evt.TransactionID)
		if err != nil {
			return err
		}

		history, err := eventsInTxn(txn, evt.TransactionID)
		if err != nil {
			return err
		}
		if err := txlog.Project(history).CheckAppend(evt); err != nil {
			return err
		}

		seq, err := nextSequence(txn, evt.TransactionID)
		if err != nil {
			return err
		}

		stored = evt
		if stored.OrderID == "" {
			stored.OrderID = tx.OrderID
		}
		stored.Sequence = seq
		stored.Timestamp = time.Now().UTC()

		data, err := serialize(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(eventKey(evt.TransactionID, seq), data); err != nil {
			return err
		}
		if stored.IsSagaLevel() {
			return txn.Delete(openIndexKey(evt.TransactionID))
		}
		return nil
	})
	if err != nil {
		return txlog.StatusEvent{}, err
	}
	return stored, nil
}

func nextSequence(txn *badger.Txn, txID string) (uint64, error) {
	var current uint64
	item, err := txn.Get(sequenceKey(txID))
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			if len(val) != 8 {
				return &storage.SerializationError{Operation: "sequence", Cause: fmt.Errorf("unexpected length %d", len(val))}
			}
			current = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, err
	}

	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := txn.Set(sequenceKey(txID), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// Events returns the history of txID ordered by sequence.
func (b *BadgerStorage) Events(ctx context.Context, txID string) ([]txlog.StatusEvent, error) {
	var events []txlog.StatusEvent
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		events, err = eventsInTxn(txn, txID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func eventsInTxn(txn *badger.Txn, txID string) ([]txlog.StatusEvent, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = eventPrefix(txID)
	it := txn.NewIterator(opts)
	defer it.Close()

	events := make([]txlog.StatusEvent, 0)
	for it.Rewind(); it.Valid(); it.Next() {
		var evt txlog.StatusEvent
		if err := it.Item().Value(func(val []byte) error {
			return deserialize(val, &evt)
		}); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// ListNonTerminal walks the open index.
func (b *BadgerStorage) ListNonTerminal(ctx context.Context) ([]*txlog.Transaction, error) {
	var out []*txlog.Transaction
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = openIndexPrefix()
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixLen := len(openIndexPrefix())
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := string(it.Item().Key()[prefixLen:])
			tx, err := getTransactionInTxn(txn, id)
			if err != nil {
				return err
			}
			out = append(out, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BeginTransaction stores the header, its open index entry and the outbox
// event in one Badger transaction.
func (b *BadgerStorage) BeginTransaction(ctx context.Context, tx *txlog.Transaction, evt *outbox.Event) error {
	if err := storage.CheckTransaction(tx); err != nil {
		return err
	}
	if err := storage.CheckOutboxEvent(tx, evt); err != nil {
		return err
	}

	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	evt.Processed = false
	evt.ProcessedAt = nil

	txData, err := serialize(tx)
	if err != nil {
		return err
	}
	evtData, err := serialize(evt)
	if err != nil {
		return err
	}

	return b.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(outboxKey(evt.ID)); err == nil {
			return &storage.DuplicateKeyError{EntityType: "outbox event", ID: evt.ID}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := createInTxn(txn, tx.ID, txData); err != nil {
			return err
		}
		if err := txn.Set(outboxKey(evt.ID), evtData); err != nil {
			return err
		}
		return txn.Set(outboxPendingKey(evt.CreatedAt, evt.ID), []byte(evt.ID))
	})
}

// FetchUnprocessed walks the pending index, oldest first.
func (b *BadgerStorage) FetchUnprocessed(ctx context.Context, limit int) ([]outbox.Event, error) {
	events := make([]outbox.Event, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = outboxPendingPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			evt, err := getOutboxInTxn(txn, id)
			if err != nil {
				return err
			}
			events = append(events, *evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func getOutboxInTxn(txn *badger.Txn, id string) (*outbox.Event, error) {
	item, err := txn.Get(outboxKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.OutboxEventNotFound(id)
		}
		return nil, err
	}

	var evt outbox.Event
	if err := item.Value(func(val []byte) error {
		return deserialize(val, &evt)
	}); err != nil {
		return nil, err
	}
	return &evt, nil
}

// MarkProcessed flags an event as delivered and drops it from the pending index.
func (b *BadgerStorage) MarkProcessed(ctx context.Context, id string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		evt, err := getOutboxInTxn(txn, id)
		if err != nil {
			return err
		}
		if evt.Processed {
			return nil
		}

		now := time.Now().UTC()
		evt.Processed = true
		evt.ProcessedAt = &now
		data, err := serialize(evt)
		if err != nil {
			return err
		}
		if err := txn.Set(outboxKey(id), data); err != nil {
			return err
		}
		return txn.Delete(outboxPendingKey(evt.CreatedAt, id))
	})
}

// SaveServiceConfig stores a configuration generation.
func (b *BadgerStorage) SaveServiceConfig(ctx context.Context, gen registry.Generation, v *registry.Version) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(serviceConfigKey(gen), data)
	})
}

// LoadServiceConfig returns a configuration generation, or nil when absent.
func (b *BadgerStorage) LoadServiceConfig(ctx context.Context, gen registry.Generation) (*registry.Version, error) {
	var v *registry.Version
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(serviceConfigKey(gen))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		v = &registry.Version{}
		return item.Value(func(val []byte) error {
			return deserialize(val, v)
		})
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DeleteServiceConfig removes a configuration generation.
func (b *BadgerStorage) DeleteServiceConfig(ctx context.Context, gen registry.Generation) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(serviceConfigKey(gen))
	})
}

// PromoteServiceConfig replaces the active generation with v and drops the
// pending one in one transaction.
func (b *BadgerStorage) PromoteServiceConfig(ctx context.Context, v *registry.Version) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(serviceConfigKey(registry.GenerationActive), data); err != nil {
			return err
		}
		return txn.Delete(serviceConfigKey(registry.GenerationPending))
	})
}

// Ping reports whether the database is open.
func (b *BadgerStorage) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return &storage.StorageUnavailableError{Cause: errors.New("badger database is closed")}
	}
	return nil
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	// Value log GC is best effort before closing.
	if !b.config.InMemory {
		_ = b.db.RunValueLogGC(0.5)
	}
	return b.db.Close()
}
