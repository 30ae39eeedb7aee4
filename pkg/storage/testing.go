package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// StorageTestSuite provides a comprehensive test suite for Backend implementations.
type StorageTestSuite struct {
	NewStorage func(t *testing.T) Backend
}

// RunAllTests runs every contract test against a fresh backend.
func (s *StorageTestSuite) RunAllTests(t *testing.T) {
	t.Run("CreateAndGetTransaction", s.TestCreateAndGetTransaction)
	t.Run("AppendAssignsSequence", s.TestAppendAssignsSequence)
	t.Run("AppendRejectsInvalidTransition", s.TestAppendRejectsInvalidTransition)
	t.Run("AppendAfterSagaTerminal", s.TestAppendAfterSagaTerminal)
	t.Run("ListNonTerminal", s.TestListNonTerminal)
	t.Run("BeginTransactionWritesOutbox", s.TestBeginTransactionWritesOutbox)
	t.Run("BeginTransactionIsAtomic", s.TestBeginTransactionIsAtomic)
	t.Run("FetchUnprocessedOrderAndLimit", s.TestFetchUnprocessedOrderAndLimit)
	t.Run("ServiceConfigGenerations", s.TestServiceConfigGenerations)
	t.Run("PromoteServiceConfig", s.TestPromoteServiceConfig)
	t.Run("ConcurrentAppends", s.TestConcurrentAppends)
}

func (s *StorageTestSuite) newBackend(t *testing.T) Backend {
	b := s.NewStorage(t)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testTransaction(id string) *txlog.Transaction {
	return &txlog.Transaction{
		ID:      id,
		OrderID: "order-" + id,
		Payload: []byte(`{"amount":42}`),
		Plan: []txlog.PlannedStep{
			{Service: "CREDIT_CARD", Order: 1, Timeout: 5 * time.Second},
			{Service: "INVENTORY", Order: 2, Timeout: 5 * time.Second},
			{Service: "LOGISTICS", Order: 3, Timeout: 5 * time.Second},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func testOutboxEvent(tx *txlog.Transaction, id string, createdAt time.Time) *outbox.Event {
	return &outbox.Event{
		ID:            id,
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		EventType:     outbox.EventOrderConfirmed,
		Payload:       []byte(fmt.Sprintf(`{"orderId":%q}`, tx.OrderID)),
		CreatedAt:     createdAt,
	}
}

func appendStatus(ctx context.Context, t *testing.T, b Backend, tx *txlog.Transaction, service string, status txlog.Status) txlog.StatusEvent {
	t.Helper()
	stored, err := b.Append(ctx, txlog.StatusEvent{
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		Service:       service,
		Status:        status,
	})
	require.NoError(t, err)
	return stored
}

// TestCreateAndGetTransaction covers header persistence and lookups.
func (s *StorageTestSuite) TestCreateAndGetTransaction(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	tx := testTransaction("tx-1")
	require.NoError(t, b.CreateTransaction(ctx, tx))

	got, err := b.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, tx.OrderID, got.OrderID)
	assert.JSONEq(t, `{"amount":42}`, string(got.Payload))
	require.Len(t, got.Plan, 3)
	assert.Equal(t, []string{"CREDIT_CARD", "INVENTORY", "LOGISTICS"}, got.Services())
	assert.Equal(t, 5*time.Second, got.Plan[0].Timeout)

	err = b.CreateTransaction(ctx, testTransaction("tx-1"))
	assert.True(t, errors.Is(err, txlog.ErrTransactionExists), "got %v", err)

	_, err = b.GetTransaction(ctx, "missing")
	assert.True(t, errors.Is(err, txlog.ErrTransactionNotFound), "got %v", err)

	events, err := b.Events(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

// TestAppendAssignsSequence covers sequence and timestamp assignment.
func (s *StorageTestSuite) TestAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	tx := testTransaction("tx-seq")
	require.NoError(t, b.CreateTransaction(ctx, tx))

	first := appendStatus(ctx, t, b, tx, "CREDIT_CARD", txlog.StatusUncommitted)
	second := appendStatus(ctx, t, b, tx, "CREDIT_CARD", txlog.StatusSuccess)
	third := appendStatus(ctx, t, b, tx, "INVENTORY", txlog.StatusUncommitted)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, uint64(3), third.Sequence)
	assert.False(t, first.Timestamp.IsZero())

	events, err := b.Events(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, evt := range events {
		assert.Equal(t, uint64(i+1), evt.Sequence)
		assert.Equal(t, tx.OrderID, evt.OrderID)
	}
	assert.Equal(t, txlog.StatusSuccess, events[1].Status)

	_, err = b.Append(ctx, txlog.StatusEvent{TransactionID: "missing", Service: "CREDIT_CARD", Status: txlog.StatusUncommitted})
	assert.True(t, errors.Is(err, txlog.ErrTransactionNotFound), "got %v", err)
}

// TestAppendRejectsInvalidTransition covers lattice validation on append.
func (s *StorageTestSuite) TestAppendRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	tx := testTransaction("tx-invalid")
	require.NoError(t, b.CreateTransaction(ctx, tx))

	_, err := b.Append(ctx, txlog.StatusEvent{TransactionID: tx.ID, Service: "CREDIT_CARD", Status: txlog.StatusSuccess})
	assert.True(t, errors.Is(err, txlog.ErrInvalidTransition), "got %v", err)

	appendStatus(ctx, t, b, tx, "CREDIT_CARD", txlog.StatusUncommitted)
	appendStatus(ctx, t, b, tx, "CREDIT_CARD", txlog.StatusFailure)

	_, err = b.Append(ctx, txlog.StatusEvent{TransactionID: tx.ID, Service: "CREDIT_CARD", Status: txlog.StatusRolledBack})
	assert.True(t, errors.Is(err, txlog.ErrInvalidTransition), "got %v", err)

	_, err = b.Append(ctx, txlog.StatusEvent{TransactionID: tx.ID, Service: "CREDIT_CARD", Status: "X"})
	assert.Error(t, err)

	events, err := b.Events(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

// TestAppendAfterSagaTerminal covers the closed-transaction guard.
func (s *StorageTestSuite) TestAppendAfterSagaTerminal(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	tx := testTransaction("tx-closed")
	require.NoError(t, b.CreateTransaction(ctx, tx))

	appendStatus(ctx, t, b, tx, "CREDIT_CARD", txlog.StatusUncommitted)
	appendStatus(ctx, t, b, tx, "CREDIT_CARD", txlog.StatusSuccess)
	appendStatus(ctx, t, b, tx, "CREDIT_CARD", txlog.StatusRollbackFailed)

	// A per-service RF does not close the transaction.
	appendStatus(ctx, t, b, tx, "INVENTORY", txlog.StatusUncommitted)
	appendStatus(ctx, t, b, tx, txlog.SagaService, txlog.StatusRollbackFailed)

	_, err := b.Append(ctx, txlog.StatusEvent{TransactionID: tx.ID, Service: "INVENTORY", Status: txlog.StatusFailure})
	assert.True(t, errors.Is(err, txlog.ErrTransactionClosed), "got %v", err)

	events, err := b.Events(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StateRollbackFailed, txlog.Project(events).State())
}

// TestListNonTerminal covers the recovery scan query.
func (s *StorageTestSuite) TestListNonTerminal(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	open := testTransaction("tx-open")
	done := testTransaction("tx-done")
	fresh := testTransaction("tx-fresh")
	for _, tx := range []*txlog.Transaction{open, done, fresh} {
		require.NoError(t, b.CreateTransaction(ctx, tx))
	}

	appendStatus(ctx, t, b, open, "CREDIT_CARD", txlog.StatusUncommitted)
	appendStatus(ctx, t, b, done, txlog.SagaService, txlog.StatusSuccess)

	pending, err := b.ListNonTerminal(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(pending))
	for _, tx := range pending {
		ids = append(ids, tx.ID)
	}
	assert.ElementsMatch(t, []string{"tx-open", "tx-fresh"}, ids)
}

// TestBeginTransactionWritesOutbox covers the header and outbox unit of work.
func (s *StorageTestSuite) TestBeginTransactionWritesOutbox(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	tx := testTransaction("tx-uow")
	evt := testOutboxEvent(tx, "evt-1", time.Now().UTC())
	require.NoError(t, b.BeginTransaction(ctx, tx, evt))

	_, err := b.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)

	events, err := b.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, tx.ID, events[0].TransactionID)
	assert.Equal(t, outbox.EventOrderConfirmed, events[0].EventType)
	assert.JSONEq(t, fmt.Sprintf(`{"orderId":%q}`, tx.OrderID), string(events[0].Payload))
	assert.False(t, events[0].Processed)

	require.NoError(t, b.MarkProcessed(ctx, "evt-1"))
	events, err = b.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Marking twice is harmless.
	require.NoError(t, b.MarkProcessed(ctx, "evt-1"))

	err = b.MarkProcessed(ctx, "missing")
	assert.True(t, errors.Is(err, outbox.ErrEventNotFound), "got %v", err)
}

// TestBeginTransactionIsAtomic covers the all-or-nothing guarantee.
func (s *StorageTestSuite) TestBeginTransactionIsAtomic(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	tx := testTransaction("tx-atomic")
	require.NoError(t, b.BeginTransaction(ctx, tx, testOutboxEvent(tx, "evt-a", time.Now().UTC())))

	err := b.BeginTransaction(ctx, testTransaction("tx-atomic"), testOutboxEvent(tx, "evt-b", time.Now().UTC()))
	assert.True(t, errors.Is(err, txlog.ErrTransactionExists), "got %v", err)

	other := testTransaction("tx-other")
	err = b.BeginTransaction(ctx, other, &outbox.Event{ID: "evt-c", TransactionID: "someone-else", EventType: outbox.EventOrderConfirmed})
	assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)

	_, err = b.GetTransaction(ctx, other.ID)
	assert.True(t, errors.Is(err, txlog.ErrTransactionNotFound), "got %v", err)

	events, err := b.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-a", events[0].ID)
}

// TestFetchUnprocessedOrderAndLimit covers oldest-first batching.
func (s *StorageTestSuite) TestFetchUnprocessedOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 3; i >= 1; i-- {
		tx := testTransaction(fmt.Sprintf("tx-%d", i))
		evt := testOutboxEvent(tx, fmt.Sprintf("evt-%d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, b.BeginTransaction(ctx, tx, evt))
	}

	events, err := b.FetchUnprocessed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, "evt-2", events[1].ID)

	require.NoError(t, b.MarkProcessed(ctx, "evt-1"))
	events, err = b.FetchUnprocessed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-2", events[0].ID)
	assert.Equal(t, "evt-3", events[1].ID)
}

// TestServiceConfigGenerations covers registry persistence.
func (s *StorageTestSuite) TestServiceConfigGenerations(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	v, err := b.LoadServiceConfig(ctx, registry.GenerationPending)
	require.NoError(t, err)
	assert.Nil(t, v)

	version := &registry.Version{
		Number: 7,
		Services: []registry.ServiceConfig{
			{Name: "INVENTORY", Order: 1, TimeoutSeconds: 3},
			{Name: "CREDIT_CARD", Order: 2, TimeoutSeconds: 4},
		},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, b.SaveServiceConfig(ctx, registry.GenerationPending, version))

	loaded, err := b.LoadServiceConfig(ctx, registry.GenerationPending)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(7), loaded.Number)
	assert.Equal(t, version.Services, loaded.Services)

	active, err := b.LoadServiceConfig(ctx, registry.GenerationActive)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, b.DeleteServiceConfig(ctx, registry.GenerationPending))
	loaded, err = b.LoadServiceConfig(ctx, registry.GenerationPending)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, b.DeleteServiceConfig(ctx, registry.GenerationPending))
}

// TestPromoteServiceConfig covers the pending to active swap.
func (s *StorageTestSuite) TestPromoteServiceConfig(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	active := &registry.Version{
		Number:    1,
		Services:  []registry.ServiceConfig{{Name: "CREDIT_CARD", Order: 1, TimeoutSeconds: 5}},
		UpdatedAt: time.Now().UTC(),
	}
	pending := &registry.Version{
		Number:    2,
		Services:  []registry.ServiceConfig{{Name: "INVENTORY", Order: 1, TimeoutSeconds: 3}},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, b.SaveServiceConfig(ctx, registry.GenerationActive, active))
	require.NoError(t, b.SaveServiceConfig(ctx, registry.GenerationPending, pending))

	require.NoError(t, b.PromoteServiceConfig(ctx, pending))

	got, err := b.LoadServiceConfig(ctx, registry.GenerationActive)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.Number)
	assert.Equal(t, pending.Services, got.Services)

	left, err := b.LoadServiceConfig(ctx, registry.GenerationPending)
	require.NoError(t, err)
	assert.Nil(t, left)
}

// TestConcurrentAppends covers appends to distinct transactions in parallel.
func (s *StorageTestSuite) TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	b := s.newBackend(t)

	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, b.CreateTransaction(ctx, testTransaction(fmt.Sprintf("tx-c%d", i))))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("tx-c%d", i)
			for _, service := range []string{"CREDIT_CARD", "INVENTORY", "LOGISTICS"} {
				for _, status := range []txlog.Status{txlog.StatusUncommitted, txlog.StatusSuccess} {
					if _, err := b.Append(ctx, txlog.StatusEvent{TransactionID: id, Service: service, Status: status}); err != nil {
						errs <- err
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		events, err := b.Events(ctx, fmt.Sprintf("tx-c%d", i))
		require.NoError(t, err)
		assert.Len(t, events, 6)
		assert.True(t, txlog.Project(events).IsComplete([]string{"CREDIT_CARD", "INVENTORY", "LOGISTICS"}))
	}
}
