package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/gateway"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/storage/memory"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

// brokenLog fails reads for selected transactions or the whole listing.
type brokenLog struct {
	*memory.MemoryStorage
	brokenTx string
	listErr  error
}

func (l *brokenLog) Events(ctx context.Context, txID string) ([]txlog.StatusEvent, error) {
	if txID == l.brokenTx {
		return nil, errors.New("disk read error")
	}
	return l.MemoryStorage.Events(ctx, txID)
}

func (l *brokenLog) ListNonTerminal(ctx context.Context) ([]*txlog.Transaction, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	return l.MemoryStorage.ListNonTerminal(ctx)
}

func TestRecoveryScannerResumesNonTerminalTransactions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tx-partial",
		ev("CREDIT_CARD", txlog.StatusUncommitted),
		ev("CREDIT_CARD", txlog.StatusSuccess),
	)
	env.seed(t, "tx-fresh")
	env.seed(t, "tx-done", ev(txlog.SagaService, txlog.StatusSuccess))

	scanner, err := NewRecoveryScanner(env.engine, env.store, nil)
	if err != nil {
		t.Fatalf("NewRecoveryScanner() error = %v", err)
	}
	report, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if report.Scanned != 2 || report.Resumed != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	for _, id := range []string{"tx-partial", "tx-fresh"} {
		if state := env.projection(t, id).State(); state != txlog.StateCompleted {
			t.Fatalf("%s state = %s, want COMPLETED", id, state)
		}
	}

	credit := 0
	for _, call := range env.client.Calls() {
		if call == "notify:CREDIT_CARD" {
			credit++
		}
	}
	if credit != 1 {
		t.Fatalf("expected CREDIT_CARD to be notified once (fresh tx only), got %d", credit)
	}
}

func TestRecoveryScannerIsolatesFailures(t *testing.T) {
	reg, err := registry.New(defaultServices())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	log := &brokenLog{MemoryStorage: memory.NewMemoryStorage(), brokenTx: "tx-broken"}
	client := newFakeClient()
	client.onNotify = func(_ context.Context, _ registry.ServiceKind, req gateway.NotifyRequest) error {
		if req.TxID == "tx-panic" {
			panic("downstream adapter bug")
		}
		return nil
	}

	engine, err := NewEngine(log, reg, client)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"tx-broken", "tx-panic", "tx-ok"} {
		if err := log.CreateTransaction(ctx, &txlog.Transaction{ID: id, OrderID: "order-" + id, Plan: reg.Snapshot()}); err != nil {
			t.Fatalf("CreateTransaction() error = %v", err)
		}
	}

	scanner, err := NewRecoveryScanner(engine, log, nil)
	if err != nil {
		t.Fatalf("NewRecoveryScanner() error = %v", err)
	}
	report, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if report.Scanned != 3 || report.Resumed != 1 || report.Failed != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	events, err := log.MemoryStorage.Events(ctx, "tx-ok")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if state := txlog.Project(events).State(); state != txlog.StateCompleted {
		t.Fatalf("tx-ok state = %s, want COMPLETED", state)
	}
	// The panicking transaction released its lock.
	if got := engine.locks.size(); got != 0 {
		t.Fatalf("expected lock table to be empty, got %d", got)
	}
}

func TestRecoveryScannerReportsListFailure(t *testing.T) {
	reg, err := registry.New(defaultServices())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	log := &brokenLog{MemoryStorage: memory.NewMemoryStorage(), listErr: errors.New("log offline")}
	engine, err := NewEngine(log, reg, newFakeClient())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	scanner, err := NewRecoveryScanner(engine, log, nil)
	if err != nil {
		t.Fatalf("NewRecoveryScanner() error = %v", err)
	}

	if _, err := scanner.Scan(context.Background()); err == nil {
		t.Fatalf("expected Scan() to report the list failure")
	}

	// Run degrades instead of failing and returns once ctx is done.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		scanner.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after ctx was cancelled")
	}
}

func TestNewRecoveryScannerValidatesArguments(t *testing.T) {
	if _, err := NewRecoveryScanner(nil, memory.NewMemoryStorage(), nil); err == nil {
		t.Fatalf("expected error for nil engine")
	}
	env := newTestEnv(t)
	if _, err := NewRecoveryScanner(env.engine, nil, nil); err == nil {
		t.Fatalf("expected error for nil log")
	}
}
