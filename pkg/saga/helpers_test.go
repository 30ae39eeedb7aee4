package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/gateway"
	"github.com/goclaw/ordersaga/pkg/notify"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/storage/memory"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

var errOutOfStock = errors.New("out of stock")

// fakeClient records downstream calls and fails them on demand.
type fakeClient struct {
	mu    sync.Mutex
	calls []string

	notifyErr    map[registry.ServiceKind]error
	notifyReject map[registry.ServiceKind]bool
	// rollbackFailures is the number of failing attempts before success; -1 fails forever.
	rollbackFailures map[registry.ServiceKind]int
	rollbackAttempts map[registry.ServiceKind]int

	onNotify func(ctx context.Context, kind registry.ServiceKind, req gateway.NotifyRequest) error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		notifyErr:        make(map[registry.ServiceKind]error),
		notifyReject:     make(map[registry.ServiceKind]bool),
		rollbackFailures: make(map[registry.ServiceKind]int),
		rollbackAttempts: make(map[registry.ServiceKind]int),
	}
}

func (c *fakeClient) Notify(ctx context.Context, kind registry.ServiceKind, req gateway.NotifyRequest) (*gateway.NotifyResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, "notify:"+string(kind))
	err := c.notifyErr[kind]
	reject := c.notifyReject[kind]
	hook := c.onNotify
	c.mu.Unlock()

	if hook != nil {
		if hookErr := hook(ctx, kind, req); hookErr != nil {
			return nil, hookErr
		}
	}
	if err != nil {
		return nil, err
	}
	if reject {
		return &gateway.NotifyResponse{Success: false, Message: "declined"}, nil
	}
	return &gateway.NotifyResponse{Success: true, ServiceReference: string(kind) + "-" + req.TxID}, nil
}

func (c *fakeClient) Rollback(ctx context.Context, kind registry.ServiceKind, req gateway.RollbackRequest) (*gateway.RollbackResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "rollback:"+string(kind))
	c.rollbackAttempts[kind]++
	failures := c.rollbackFailures[kind]
	if failures < 0 || c.rollbackAttempts[kind] <= failures {
		return nil, &gateway.StatusError{Service: kind, Operation: registry.OperationRollback, StatusCode: 503}
	}
	return &gateway.RollbackResponse{Success: true}, nil
}

func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) Attempts(kind registry.ServiceKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackAttempts[kind]
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (n *recordingNotifier) Push(_ context.Context, update notify.Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, update)
}

func (n *recordingNotifier) Updates() []notify.Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Update(nil), n.updates...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
	err    error
}

func (a *recordingAlerter) Alert(_ context.Context, alert notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return a.err
}

func (a *recordingAlerter) Alerts() []notify.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notify.Alert(nil), a.alerts...)
}

type panickingNotifier struct{}

func (panickingNotifier) Push(context.Context, notify.Update) {
	panic("observer went away")
}

func defaultServices() []registry.ServiceConfig {
	return []registry.ServiceConfig{
		{Name: "CREDIT_CARD", Order: 1, TimeoutSeconds: 2},
		{Name: "INVENTORY", Order: 2, TimeoutSeconds: 2},
		{Name: "LOGISTICS", Order: 3, TimeoutSeconds: 2},
	}
}

type testEnv struct {
	store    *memory.MemoryStorage
	registry *registry.Registry
	client   *fakeClient
	notifier *recordingNotifier
	alerter  *recordingAlerter
	engine   *Engine
}

func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()

	reg, err := registry.New(defaultServices())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	env := &testEnv{
		store:    memory.NewMemoryStorage(),
		registry: reg,
		client:   newFakeClient(),
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
	}

	base := []EngineOption{
		WithNotifier(env.notifier),
		WithAlerter(env.alerter),
		WithRetry(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	}
	engine, err := NewEngine(env.store, reg, env.client, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	env.engine = engine
	return env
}

// seed creates a transaction with the registry plan and the given history.
func (env *testEnv) seed(t *testing.T, txID string, history ...txlog.StatusEvent) *txlog.Transaction {
	t.Helper()

	ctx := context.Background()
	tx := &txlog.Transaction{
		ID:      txID,
		OrderID: "order-" + txID,
		Payload: []byte(`{"amount":10}`),
		Plan:    env.registry.Snapshot(),
	}
	if err := env.store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	for _, evt := range history {
		evt.TransactionID = txID
		if _, err := env.store.Append(ctx, evt); err != nil {
			t.Fatalf("Append(%s %s) error = %v", evt.Service, evt.Status, err)
		}
	}
	return tx
}

func (env *testEnv) projection(t *testing.T, txID string) *txlog.Projection {
	t.Helper()
	events, err := env.store.Events(context.Background(), txID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	return txlog.Project(events)
}

func (env *testEnv) events(t *testing.T, txID string) []txlog.StatusEvent {
	t.Helper()
	events, err := env.store.Events(context.Background(), txID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	return events
}

func ev(service string, status txlog.Status) txlog.StatusEvent {
	return txlog.StatusEvent{Service: service, Status: status}
}

func equalCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
