package saga

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/gateway"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/txlog"
	"github.com/goclaw/ordersaga/pkg/worker"
)

func TestEngineExecuteAllServicesSucceed(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1", OrderID: "order-1", Payload: map[string]any{"amount": 10}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != txlog.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.State)
	}
	if result.Resumed {
		t.Fatalf("expected a fresh run")
	}

	want := []string{"notify:CREDIT_CARD", "notify:INVENTORY", "notify:LOGISTICS"}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	events := env.events(t, "tx-1")
	if len(events) != 7 {
		t.Fatalf("expected 7 events, got %d", len(events))
	}
	// Write-ahead: U is recorded before S for every service.
	for i, service := range []string{"CREDIT_CARD", "INVENTORY", "LOGISTICS"} {
		if events[2*i].Service != service || events[2*i].Status != txlog.StatusUncommitted {
			t.Fatalf("event %d = %s %s, want %s U", 2*i, events[2*i].Service, events[2*i].Status, service)
		}
		if events[2*i+1].Service != service || events[2*i+1].Status != txlog.StatusSuccess {
			t.Fatalf("event %d = %s %s, want %s S", 2*i+1, events[2*i+1].Service, events[2*i+1].Status, service)
		}
	}
	if last := events[6]; !last.IsSagaLevel() || last.Status != txlog.StatusSuccess {
		t.Fatalf("expected saga-level S, got %s %s", last.Service, last.Status)
	}

	updates := env.notifier.Updates()
	if len(updates) != 7 {
		t.Fatalf("expected 7 progress updates, got %d", len(updates))
	}
	if final := updates[6]; final.State != string(txlog.StateCompleted) || final.Message != txlog.StateCompleted.Message() {
		t.Fatalf("unexpected final update %+v", final)
	}
	if len(env.alerter.Alerts()) != 0 {
		t.Fatalf("expected no alerts")
	}
}

func TestEngineCreatesTransactionFromActivePlan(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.Execute(context.Background(), Request{TxID: "tx-new", OrderID: "order-9", Payload: "opaque"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	tx, err := env.store.GetTransaction(context.Background(), "tx-new")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if len(tx.Plan) != 3 || tx.Plan[0].Service != "CREDIT_CARD" || tx.Plan[0].Timeout != 2*time.Second {
		t.Fatalf("unexpected plan %+v", tx.Plan)
	}
	if string(tx.Payload) != `"opaque"` {
		t.Fatalf("expected opaque payload to be stored as a JSON string, got %s", tx.Payload)
	}
}

func TestEngineInventoryFailureRollsBackCreditCardOnly(t *testing.T) {
	env := newTestEnv(t)
	env.client.notifyErr[registry.KindInventory] = errOutOfStock
	env.seed(t, "tx-1")

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != txlog.StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", result.State)
	}

	want := []string{"notify:CREDIT_CARD", "notify:INVENTORY", "rollback:CREDIT_CARD"}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	proj := env.projection(t, "tx-1")
	if got := proj.Latest("CREDIT_CARD"); got != txlog.StatusRolledBack {
		t.Fatalf("CREDIT_CARD = %s, want R", got)
	}
	if got := proj.Latest("INVENTORY"); got != txlog.StatusFailure {
		t.Fatalf("INVENTORY = %s, want F", got)
	}
	if got := proj.Latest("LOGISTICS"); got != "" {
		t.Fatalf("LOGISTICS must never be attempted, got %s", got)
	}

	failed, _ := proj.LatestEvent("INVENTORY")
	if failed.ErrorMessage != errOutOfStock.Error() {
		t.Fatalf("expected downstream message in the log, got %q", failed.ErrorMessage)
	}
	for _, update := range env.notifier.Updates() {
		if update.Message == errOutOfStock.Error() {
			t.Fatalf("downstream wording leaked into progress update %+v", update)
		}
	}

	events := env.events(t, "tx-1")
	last := events[len(events)-1]
	if !last.IsSagaLevel() || last.Status != txlog.StatusDone || last.ErrorMessage != "INVENTORY failed" {
		t.Fatalf("unexpected terminal event %+v", last)
	}
}

func TestEngineLogisticsFailureRollsBackInReverseOrder(t *testing.T) {
	env := newTestEnv(t)
	env.client.notifyErr[registry.KindLogistics] = errors.New("no carrier")

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1", OrderID: "order-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != txlog.StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", result.State)
	}

	want := []string{
		"notify:CREDIT_CARD", "notify:INVENTORY", "notify:LOGISTICS",
		"rollback:INVENTORY", "rollback:CREDIT_CARD",
	}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestEngineRejectedNotifyCountsAsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.client.notifyReject[registry.KindCreditCard] = true

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1", OrderID: "order-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	// Nothing succeeded, so compensation has nothing to roll back.
	if result.State != txlog.StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", result.State)
	}
	want := []string{"notify:CREDIT_CARD"}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if got := env.projection(t, "tx-1").Latest("CREDIT_CARD"); got != txlog.StatusFailure {
		t.Fatalf("CREDIT_CARD = %s, want F", got)
	}
}

func TestEngineRollbackRetriedWithinBudget(t *testing.T) {
	env := newTestEnv(t)
	env.client.notifyErr[registry.KindInventory] = errOutOfStock
	env.client.rollbackFailures[registry.KindCreditCard] = 2

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1", OrderID: "order-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != txlog.StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", result.State)
	}
	if got := env.client.Attempts(registry.KindCreditCard); got != 3 {
		t.Fatalf("expected 3 rollback attempts, got %d", got)
	}
	if len(env.alerter.Alerts()) != 0 {
		t.Fatalf("expected no alert when rollback eventually succeeds")
	}
}

func TestEngineRollbackExhaustedRaisesAlertAndContinues(t *testing.T) {
	env := newTestEnv(t)
	env.alerter.err = errors.New("pager unreachable")
	env.client.notifyErr[registry.KindLogistics] = errors.New("no carrier")
	env.client.rollbackFailures[registry.KindInventory] = -1

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1", OrderID: "order-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != txlog.StateRollbackFailed {
		t.Fatalf("expected ROLLBACK_FAILED, got %s", result.State)
	}

	if got := env.client.Attempts(registry.KindInventory); got != 3 {
		t.Fatalf("expected 3 rollback attempts for INVENTORY, got %d", got)
	}

	proj := env.projection(t, "tx-1")
	if got := proj.Latest("INVENTORY"); got != txlog.StatusRollbackFailed {
		t.Fatalf("INVENTORY = %s, want RF", got)
	}
	if got := proj.Latest("CREDIT_CARD"); got != txlog.StatusRolledBack {
		t.Fatalf("CREDIT_CARD = %s, want R after INVENTORY exhausted", got)
	}
	if !proj.Closed() || proj.State() != txlog.StateRollbackFailed {
		t.Fatalf("expected closed ROLLBACK_FAILED projection, got %s", proj.State())
	}

	alerts := env.alerter.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Service != "INVENTORY" || alerts[0].Attempts != 3 || alerts[0].TransactionID != "tx-1" {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}
}

func TestEngineLogsCarrySagaIdentity(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&logger.Config{Level: logger.InfoLevel, Format: "json", Writer: &buf})
	env := newTestEnv(t, WithLogger(log))
	env.client.notifyErr[registry.KindInventory] = errors.New("out of stock")
	env.client.rollbackFailures[registry.KindCreditCard] = -1

	if _, err := env.engine.Execute(context.Background(), Request{TxID: "tx-log", OrderID: "order-log"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var records []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) < 2 {
		t.Fatalf("expected retry and outcome records, got %d", len(records))
	}
	for _, rec := range records {
		if rec["tx_id"] != "tx-log" || rec["order_id"] != "order-log" {
			t.Errorf("record %q lacks saga identity: %v", rec["message"], rec)
		}
	}
	if last := records[len(records)-1]; last["message"] != "saga finished" || last["state"] != "ROLLBACK_FAILED" {
		t.Errorf("last record = %v", last)
	}
}

func TestEngineExecuteIsIdempotentAfterTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.Execute(ctx, Request{TxID: "tx-1", OrderID: "order-1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	calls := len(env.client.Calls())
	events := len(env.events(t, "tx-1"))

	result, err := env.engine.Execute(ctx, Request{TxID: "tx-1", OrderID: "order-1"})
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if result.State != txlog.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.State)
	}
	if got := len(env.client.Calls()); got != calls {
		t.Fatalf("expected no new downstream calls, got %d more", got-calls)
	}
	if got := len(env.events(t, "tx-1")); got != events {
		t.Fatalf("expected no new events, got %d more", got-events)
	}
}

func TestEngineResumesAfterSucceededStep(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tx-1",
		ev("CREDIT_CARD", txlog.StatusUncommitted),
		ev("CREDIT_CARD", txlog.StatusSuccess),
	)

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Resumed || result.State != txlog.StateCompleted {
		t.Fatalf("unexpected result %+v", result)
	}

	want := []string{"notify:INVENTORY", "notify:LOGISTICS"}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestEngineResumesUncommittedStepWithoutNewUncommitted(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tx-1",
		ev("CREDIT_CARD", txlog.StatusUncommitted),
		ev("CREDIT_CARD", txlog.StatusSuccess),
		ev("INVENTORY", txlog.StatusUncommitted),
	)

	if _, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []string{"notify:INVENTORY", "notify:LOGISTICS"}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	uncommitted := 0
	for _, evt := range env.events(t, "tx-1") {
		if evt.Service == "INVENTORY" && evt.Status == txlog.StatusUncommitted {
			uncommitted++
		}
	}
	if uncommitted != 1 {
		t.Fatalf("expected a single INVENTORY U event, got %d", uncommitted)
	}
}

func TestEngineResumesInterruptedCompensation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tx-1",
		ev("CREDIT_CARD", txlog.StatusUncommitted),
		ev("CREDIT_CARD", txlog.StatusSuccess),
		ev("INVENTORY", txlog.StatusUncommitted),
		ev("INVENTORY", txlog.StatusSuccess),
		ev("LOGISTICS", txlog.StatusUncommitted),
		ev("LOGISTICS", txlog.StatusFailure),
		ev("INVENTORY", txlog.StatusRolledBack),
	)

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != txlog.StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", result.State)
	}
	want := []string{"rollback:CREDIT_CARD"}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestEngineUsesPlanCapturedAtStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx := &txlog.Transaction{
		ID:      "tx-1",
		OrderID: "order-1",
		Plan: []txlog.PlannedStep{
			{Service: "LOGISTICS", Order: 1, Timeout: time.Second},
			{Service: "CREDIT_CARD", Order: 2, Timeout: time.Second},
		},
	}
	if err := env.store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	if _, err := env.engine.Execute(ctx, Request{TxID: "tx-1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []string{"notify:LOGISTICS", "notify:CREDIT_CARD"}
	if got := env.client.Calls(); !equalCalls(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestEngineSerializesSameTransaction(t *testing.T) {
	env := newTestEnv(t)

	var inFlight, maxInFlight atomic.Int32
	env.client.onNotify = func(context.Context, registry.ServiceKind, gateway.NotifyRequest) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1", OrderID: "order-1"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("expected serialized execution, saw %d concurrent calls", got)
	}
	if got := len(env.client.Calls()); got != 3 {
		t.Fatalf("expected 3 notify calls in total, got %d", got)
	}
	if got := env.engine.locks.size(); got != 0 {
		t.Fatalf("expected lock table to be empty, got %d", got)
	}
}

func TestEngineInterruptedNotifyLeavesStepUncommitted(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.client.onNotify = func(callCtx context.Context, kind registry.ServiceKind, _ gateway.NotifyRequest) error {
		if kind == registry.KindInventory {
			cancel()
			return callCtx.Err()
		}
		return nil
	}

	if _, err := env.engine.Execute(ctx, Request{TxID: "tx-1", OrderID: "order-1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	proj := env.projection(t, "tx-1")
	if got := proj.Latest("INVENTORY"); got != txlog.StatusUncommitted {
		t.Fatalf("INVENTORY = %s, want U", got)
	}

	env.client.onNotify = nil
	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1"})
	if err != nil {
		t.Fatalf("resume Execute() error = %v", err)
	}
	if result.State != txlog.StateCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s", result.State)
	}
}

func TestEngineNotifierPanicDoesNotAbortSaga(t *testing.T) {
	env := newTestEnv(t, WithNotifier(panickingNotifier{}))

	result, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1", OrderID: "order-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != txlog.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.State)
	}
}

func TestEngineRejectsMissingTransactionID(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Execute(context.Background(), Request{}); !errors.Is(err, ErrMissingTransactionID) {
		t.Fatalf("expected ErrMissingTransactionID, got %v", err)
	}
	if err := env.engine.Submit(Request{}); !errors.Is(err, ErrMissingTransactionID) {
		t.Fatalf("expected ErrMissingTransactionID, got %v", err)
	}
}

func TestEngineSubmitRunsOnPool(t *testing.T) {
	pool := worker.NewPool("saga-test", 2, 4, nil)
	pool.Start()
	defer pool.Stop(context.Background())

	env := newTestEnv(t, WithPool(pool))
	if err := env.engine.Submit(Request{TxID: "tx-1", OrderID: "order-1"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := env.store.Events(context.Background(), "tx-1")
		if err != nil {
			t.Fatalf("Events() error = %v", err)
		}
		if txlog.Project(events).Closed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saga submitted to the pool did not finish")
}

func TestEngineSubmitWithoutPoolAndAfterClose(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Submit(Request{TxID: "tx-1"}); !errors.Is(err, ErrNoPool) {
		t.Fatalf("expected ErrNoPool, got %v", err)
	}

	env.engine.Close()
	if err := env.engine.Submit(Request{TxID: "tx-1"}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := env.engine.Execute(context.Background(), Request{TxID: "tx-1"}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

func TestStepMessageNeverEmpty(t *testing.T) {
	for _, status := range []txlog.Status{
		txlog.StatusUncommitted, txlog.StatusSuccess, txlog.StatusFailure,
		txlog.StatusRolledBack, txlog.StatusRollbackFailed,
	} {
		if msg := StepMessage("INVENTORY", status); msg == "" {
			t.Fatalf("StepMessage(%s) is empty", status)
		}
	}
}
