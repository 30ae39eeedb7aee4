// Package sqlite provides a SQLite-backed implementation of the storage backend.
//
// The database runs in WAL mode behind a single connection; every multi-row
// write runs inside one SQL transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// Fixed-width UTC layout so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id          TEXT    PRIMARY KEY,
    order_id    TEXT    NOT NULL,
    payload     TEXT,
    plan        TEXT    NOT NULL DEFAULT '[]',
    closed      INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_open ON transactions(closed, created_at);

CREATE TABLE IF NOT EXISTS status_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    transaction_id  TEXT    NOT NULL REFERENCES transactions(id),
    order_id        TEXT    NOT NULL,
    service         TEXT    NOT NULL,
    status          TEXT    NOT NULL,
    error_message   TEXT    NOT NULL DEFAULT '',
    sequence        INTEGER NOT NULL,
    trace_id        TEXT    NOT NULL DEFAULT '',
    span_id         TEXT    NOT NULL DEFAULT '',
    created_at      TEXT    NOT NULL,
    UNIQUE (transaction_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_status_events_trace_id ON status_events(trace_id);

CREATE TABLE IF NOT EXISTS outbox_events (
    id              TEXT    PRIMARY KEY,
    transaction_id  TEXT    NOT NULL,
    order_id        TEXT    NOT NULL,
    event_type      TEXT    NOT NULL,
    payload         BLOB,
    processed       INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT    NOT NULL,
    processed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events(processed, created_at);

CREATE TABLE IF NOT EXISTS service_configs (
    generation  TEXT    PRIMARY KEY,
    version     INTEGER NOT NULL,
    services    TEXT    NOT NULL,
    updated_at  TEXT    NOT NULL
);
`

// Storage is the SQLite implementation of storage.Backend.
type Storage struct {
	db *sql.DB
}

var _ storage.Backend = (*Storage)(nil)

const defaultBusyTimeout = 5 * time.Second

// Config configures a SQLite backend.
type Config struct {
	Path string
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// Open opens (or creates) the SQLite database at path and applies the schema.
//
//	db, err := sqlite.Open("./data/ordersaga.db")
func Open(path string) (*Storage, error) {
	return OpenConfig(Config{Path: path})
}

// OpenConfig opens the database described by cfg.
func OpenConfig(cfg Config) (*Storage, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(%d)",
		cfg.Path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("sqlite: open %q: %w", cfg.Path, err)}
	}

	// One writer connection; it also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("sqlite: apply schema: %w", err)}
	}

	return &Storage{db: db}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &storage.SerializationError{Operation: "parse time", Cause: err}
	}
	return t, nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// withTx runs fn inside a SQL transaction, rolling back on error.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateTransaction stores a new transaction header.
func (s *Storage) CreateTransaction(ctx context.Context, tx *txlog.Transaction) error {
	if err := storage.CheckTransaction(tx); err != nil {
		return err
	}
	return s.withTx(ctx, func(sqlTx *sql.Tx) error {
		return insertTransaction(ctx, sqlTx, tx)
	})
}

func insertTransaction(ctx context.Context, q queryer, tx *txlog.Transaction) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE id = ?`, tx.ID).Scan(&exists)
	switch {
	case err == nil:
		return storage.TransactionExists(tx.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite: check transaction %q: %w", tx.ID, err)
	}

	plan, err := json.Marshal(tx.Plan)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal plan", Cause: err}
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const insert = `
		INSERT INTO transactions (id, order_id, payload, plan, closed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`
	if _, err := q.ExecContext(ctx, insert,
		tx.ID,
		tx.OrderID,
		nullableBytes(tx.Payload),
		string(plan),
		formatTime(createdAt),
	); err != nil {
		return fmt.Errorf("sqlite: insert transaction %q: %w", tx.ID, err)
	}
	return nil
}

// GetTransaction retrieves a transaction header by ID.
func (s *Storage) GetTransaction(ctx context.Context, txID string) (*txlog.Transaction, error) {
	return getTransaction(ctx, s.db, txID)
}

func getTransaction(ctx context.Context, q queryer, txID string) (*txlog.Transaction, error) {
	const query = `
		SELECT id, order_id, payload, plan, created_at
		FROM   transactions
		WHERE  id = ?`

	tx, err := scanTransaction(q.QueryRowContext(ctx, query, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.TransactionNotFound(txID)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*txlog.Transaction, error) {
	var (
		tx        txlog.Transaction
		payload   sql.NullString
		plan      string
		createdAt string
	)
	if err := row.Scan(&tx.ID, &tx.OrderID, &payload, &plan, &createdAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		tx.Payload = json.RawMessage(payload.String)
	}
	if err := json.Unmarshal([]byte(plan), &tx.Plan); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal plan", Cause: err}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	tx.CreatedAt = t
	return &tx, nil
}

// Append validates evt against the stored history and inserts it, closing the
// transaction row when the event is saga-level.
func (s *Storage) Append(ctx context.Context, evt txlog.StatusEvent) (txlog.StatusEvent, error) {
	if err := storage.CheckEvent(evt); err != nil {
		return txlog.StatusEvent{}, err
	}

	var stored txlog.StatusEvent
	err := s.withTx(ctx, func(sqlTx *sql.Tx) error {
		tx, err := getTransaction(ctx, sqlTx, evt.TransactionID)
		if err != nil {
			return err
		}
		history, err := listEvents(ctx, sqlTx, evt.TransactionID)
		if err != nil {
			return err
		}
		if err := txlog.Project(history).CheckAppend(evt); err != nil {
			return err
		}

		stored = evt
		if stored.OrderID == "" {
			stored.OrderID = tx.OrderID
		}
		stored.Sequence = uint64(len(history)) + 1
		stored.Timestamp = time.Now().UTC()

		const insert = `
			INSERT INTO status_events
				(transaction_id, order_id, service, status, error_message, sequence, trace_id, span_id, created_at)
			VALUES
				(?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := sqlTx.ExecContext(ctx, insert,
			stored.TransactionID,
			stored.OrderID,
			stored.Service,
			string(stored.Status),
			stored.ErrorMessage,
			stored.Sequence,
			stored.TraceID,
			stored.SpanID,
			formatTime(stored.Timestamp),
		); err != nil {
			return fmt.Errorf("sqlite: append event for %q: %w", stored.TransactionID, err)
		}

		if stored.IsSagaLevel() {
			if _, err := sqlTx.ExecContext(ctx, `UPDATE transactions SET closed = 1 WHERE id = ?`, stored.TransactionID); err != nil {
				return fmt.Errorf("sqlite: close transaction %q: %w", stored.TransactionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return txlog.StatusEvent{}, err
	}
	return stored, nil
}

// Events returns the history of txID ordered by sequence.
func (s *Storage) Events(ctx context.Context, txID string) ([]txlog.StatusEvent, error) {
	return listEvents(ctx, s.db, txID)
}

func listEvents(ctx context.Context, q queryer, txID string) ([]txlog.StatusEvent, error) {
	const query = `
		SELECT transaction_id, order_id, service, status, error_message, sequence, trace_id, span_id, created_at
		FROM   status_events
		WHERE  transaction_id = ?
		ORDER  BY sequence ASC`

	rows, err := q.QueryContext(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events for %q: %w", txID, err)
	}
	defer rows.Close()

	events := make([]txlog.StatusEvent, 0)
	for rows.Next() {
		var (
			evt       txlog.StatusEvent
			status    string
			createdAt string
		)
		if err := rows.Scan(
			&evt.TransactionID,
			&evt.OrderID,
			&evt.Service,
			&status,
			&evt.ErrorMessage,
			&evt.Sequence,
			&evt.TraceID,
			&evt.SpanID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		evt.Status = txlog.Status(status)
		if evt.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ListNonTerminal returns open transactions, oldest first.
func (s *Storage) ListNonTerminal(ctx context.Context) ([]*txlog.Transaction, error) {
	const query = `
		SELECT id, order_id, payload, plan, created_at
		FROM   transactions
		WHERE  closed = 0
		ORDER  BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open transactions: %w", err)
	}
	defer rows.Close()

	var out []*txlog.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// BeginTransaction inserts the header and the outbox event in one SQL transaction.
func (s *Storage) BeginTransaction(ctx context.Context, tx *txlog.Transaction, evt *outbox.Event) error {
	if err := storage.CheckTransaction(tx); err != nil {
		return err
	}
	if err := storage.CheckOutboxEvent(tx, evt); err != nil {
		return err
	}

	return s.withTx(ctx, func(sqlTx *sql.Tx) error {
		if err := insertTransaction(ctx, sqlTx, tx); err != nil {
			return err
		}

		createdAt := evt.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		const insert = `
			INSERT INTO outbox_events (id, transaction_id, order_id, event_type, payload, processed, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`
		if _, err := sqlTx.ExecContext(ctx, insert,
			evt.ID,
			evt.TransactionID,
			evt.OrderID,
			evt.EventType,
			evt.Payload,
			formatTime(createdAt),
		); err != nil {
			return fmt.Errorf("sqlite: insert outbox event %q: %w", evt.ID, err)
		}
		return nil
	})
}

// FetchUnprocessed returns up to limit unprocessed events, oldest first.
func (s *Storage) FetchUnprocessed(ctx context.Context, limit int) ([]outbox.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `
		SELECT id, transaction_id, order_id, event_type, payload, processed, created_at, processed_at
		FROM   outbox_events
		WHERE  processed = 0
		ORDER  BY created_at ASC, rowid ASC
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch outbox: %w", err)
	}
	defer rows.Close()

	events := make([]outbox.Event, 0)
	for rows.Next() {
		var (
			evt         outbox.Event
			createdAt   string
			processedAt sql.NullString
		)
		if err := rows.Scan(
			&evt.ID,
			&evt.TransactionID,
			&evt.OrderID,
			&evt.EventType,
			&evt.Payload,
			&evt.Processed,
			&createdAt,
			&processedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan outbox event: %w", err)
		}
		if evt.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			t, err := parseTime(processedAt.String)
			if err != nil {
				return nil, err
			}
			evt.ProcessedAt = &t
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// MarkProcessed flags an outbox event as delivered.
func (s *Storage) MarkProcessed(ctx context.Context, id string) error {
	return s.withTx(ctx, func(sqlTx *sql.Tx) error {
		var processed bool
		err := sqlTx.QueryRowContext(ctx, `SELECT processed FROM outbox_events WHERE id = ?`, id).Scan(&processed)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OutboxEventNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("sqlite: load outbox event %q: %w", id, err)
		}
		if processed {
			return nil
		}
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE outbox_events SET processed = 1, processed_at = ? WHERE id = ?`,
			formatTime(time.Now()), id,
		); err != nil {
			return fmt.Errorf("sqlite: mark outbox event %q: %w", id, err)
		}
		return nil
	})
}

const upsertServiceConfig = `
	INSERT INTO service_configs (generation, version, services, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(generation) DO UPDATE SET
		version = excluded.version,
		services = excluded.services,
		updated_at = excluded.updated_at`

func saveServiceConfig(ctx context.Context, db queryer, gen registry.Generation, v *registry.Version) error {
	services, err := json.Marshal(v.Services)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal services", Cause: err}
	}
	if _, err := db.ExecContext(ctx, upsertServiceConfig, string(gen), v.Number, string(services), formatTime(v.UpdatedAt)); err != nil {
		return fmt.Errorf("sqlite: save %s service config: %w", gen, err)
	}
	return nil
}

// SaveServiceConfig upserts a configuration generation.
func (s *Storage) SaveServiceConfig(ctx context.Context, gen registry.Generation, v *registry.Version) error {
	return saveServiceConfig(ctx, s.db, gen, v)
}

// PromoteServiceConfig replaces the active generation with v and deletes
// the pending row in one transaction.
func (s *Storage) PromoteServiceConfig(ctx context.Context, v *registry.Version) error {
	return s.withTx(ctx, func(sqlTx *sql.Tx) error {
		if err := saveServiceConfig(ctx, sqlTx, registry.GenerationActive, v); err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM service_configs WHERE generation = ?`, string(registry.GenerationPending)); err != nil {
			return fmt.Errorf("sqlite: delete pending service config: %w", err)
		}
		return nil
	})
}

// LoadServiceConfig returns a configuration generation, or nil when absent.
func (s *Storage) LoadServiceConfig(ctx context.Context, gen registry.Generation) (*registry.Version, error) {
	var (
		v         registry.Version
		services  string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, services, updated_at FROM service_configs WHERE generation = ?`, string(gen),
	).Scan(&v.Number, &services, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load %s service config: %w", gen, err)
	}
	if err := json.Unmarshal([]byte(services), &v.Services); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal services", Cause: err}
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteServiceConfig removes a configuration generation.
func (s *Storage) DeleteServiceConfig(ctx context.Context, gen registry.Generation) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM service_configs WHERE generation = ?`, string(gen)); err != nil {
		return fmt.Errorf("sqlite: delete %s service config: %w", gen, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Close releases the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}
