package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/storage/memory"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

func testLogger() logger.Logger {
	return logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "json", Writer: io.Discard})
}

// newDownstream answers every notify and rollback call, failing notify for
// the services listed in failNotify.
func newDownstream(t *testing.T, failNotify ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		for _, prefix := range failNotify {
			if strings.HasPrefix(r.URL.Path, prefix) && strings.HasSuffix(r.URL.Path, "/notify") {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"success":false,"message":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testAppConfig(downstreamURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Storage.Type = "memory"
	cfg.Metrics.Enabled = false
	cfg.Outbox.Interval = 20 * time.Millisecond
	cfg.Saga.RollbackInitialBackoff = time.Millisecond
	cfg.Saga.RollbackMaxBackoff = 5 * time.Millisecond
	cfg.Server.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Downstream.Endpoints = map[string]string{
		"CREDIT_CARD": downstreamURL,
		"INVENTORY":   downstreamURL,
		"LOGISTICS":   downstreamURL,
	}
	return cfg
}

type runningApp struct {
	baseURL string
	cancel  context.CancelFunc
	done    chan error
}

func startApp(t *testing.T, cfg *config.Config) *runningApp {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, "", testLogger())
	if err != nil {
		cancel()
		t.Fatalf("newApp() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}

	ra := &runningApp{
		baseURL: "http://" + ln.Addr().String(),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() {
		ra.done <- a.run(ctx, ln)
	}()
	t.Cleanup(func() { ra.stop(t) })
	return ra
}

func (ra *runningApp) stop(t *testing.T) {
	t.Helper()
	if ra.cancel == nil {
		return
	}
	ra.cancel()
	ra.cancel = nil
	select {
	case err := <-ra.done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("app did not stop")
	}
}

func confirmOrder(t *testing.T, baseURL, orderID string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/v1/orders/"+orderID+"/confirm", "application/json", strings.NewReader(`{"amount":42}`))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("confirm status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	if body.TransactionID == "" {
		t.Fatal("confirmation has no transaction_id")
	}
	return body.TransactionID
}

type transactionView struct {
	State    string `json:"state"`
	Services []struct {
		Service string `json:"service"`
		Status  string `json:"status"`
	} `json:"services"`
}

func waitForState(t *testing.T, baseURL, txID, want string) transactionView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last transactionView
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/api/v1/transactions/" + txID)
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				_ = json.NewDecoder(resp.Body).Decode(&last)
			}
			resp.Body.Close()
			if last.State == want {
				return last
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("transaction %s state = %q, want %q", txID, last.State, want)
	return last
}

func serviceStatuses(v transactionView) map[string]string {
	out := make(map[string]string, len(v.Services))
	for _, s := range v.Services {
		out[s.Service] = s.Status
	}
	return out
}

func TestApp_ConfirmedOrderCompletes(t *testing.T) {
	downstream := newDownstream(t)
	ra := startApp(t, testAppConfig(downstream.URL))

	txID := confirmOrder(t, ra.baseURL, "order-1")
	view := waitForState(t, ra.baseURL, txID, "COMPLETED")

	for service, status := range serviceStatuses(view) {
		if status != "S" {
			t.Errorf("%s status = %q, want S", service, status)
		}
	}
}

func TestApp_FailedStepRollsBack(t *testing.T) {
	downstream := newDownstream(t, "/shipments")
	ra := startApp(t, testAppConfig(downstream.URL))

	txID := confirmOrder(t, ra.baseURL, "order-2")
	view := waitForState(t, ra.baseURL, txID, "ROLLED_BACK")

	got := serviceStatuses(view)
	want := map[string]string{"CREDIT_CARD": "R", "INVENTORY": "R", "LOGISTICS": "F"}
	for service, status := range want {
		if got[service] != status {
			t.Errorf("%s status = %q, want %q", service, got[service], status)
		}
	}
}

func TestApp_BusDispatch(t *testing.T) {
	downstream := newDownstream(t)
	cfg := testAppConfig(downstream.URL)
	cfg.Outbox.Dispatch = "bus"
	cfg.EventBus.Type = "memory"
	ra := startApp(t, cfg)

	txID := confirmOrder(t, ra.baseURL, "order-3")
	waitForState(t, ra.baseURL, txID, "COMPLETED")
}

// flakyBackend fails the first appendFailures Append calls.
type flakyBackend struct {
	*memory.MemoryStorage
	appendFailures atomic.Int32
}

func (b *flakyBackend) Append(ctx context.Context, evt txlog.StatusEvent) (txlog.StatusEvent, error) {
	if b.appendFailures.Add(-1) >= 0 {
		return txlog.StatusEvent{}, errors.New("storage unavailable")
	}
	return b.MemoryStorage.Append(ctx, evt)
}

func useBackend(t *testing.T, backend storage.Backend) {
	t.Helper()
	prev := openBackend
	openBackend = func(config.StorageConfig, logger.Logger) (storage.Backend, error) {
		return backend, nil
	}
	t.Cleanup(func() { openBackend = prev })
}

func TestApp_FailedExecuteIsResumedWithoutRestart(t *testing.T) {
	backend := &flakyBackend{MemoryStorage: memory.NewMemoryStorage()}
	backend.appendFailures.Store(1)
	useBackend(t, backend)

	downstream := newDownstream(t)
	cfg := testAppConfig(downstream.URL)
	cfg.Saga.RecoveryInterval = 100 * time.Millisecond
	ra := startApp(t, cfg)

	txID := confirmOrder(t, ra.baseURL, "order-4")
	view := waitForState(t, ra.baseURL, txID, "COMPLETED")

	if backend.appendFailures.Load() >= 0 {
		t.Fatal("the first Append did not fail")
	}
	for service, status := range serviceStatuses(view) {
		if status != "S" {
			t.Errorf("%s status = %q, want S", service, status)
		}
	}
}

func TestApp_ReadyReportsStorage(t *testing.T) {
	downstream := newDownstream(t)
	ra := startApp(t, testAppConfig(downstream.URL))

	resp, err := http.Get(ra.baseURL + "/ready")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Ready {
		t.Error("ready = false")
	}
	if _, ok := body.Checks["storage"]; !ok {
		t.Errorf("checks = %v, want a storage entry", body.Checks)
	}
}

func TestOpenStorage_UnknownType(t *testing.T) {
	_, err := openStorage(config.StorageConfig{Type: "postgres"}, testLogger())
	if err == nil {
		t.Fatal("openStorage() error = nil, want error")
	}
}

func TestNewGatewayClient_RejectsUnknownService(t *testing.T) {
	_, err := newGatewayClient(config.DownstreamConfig{
		Endpoints: map[string]string{"BILLING": "http://localhost:1"},
	}, nil, testLogger())
	if err == nil {
		t.Fatal("newGatewayClient() error = nil, want error")
	}
}

func TestBuildOverrides_DebugWinsOverLogLevel(t *testing.T) {
	*logLevel = "warn"
	*debugMode = true
	t.Cleanup(func() {
		*logLevel = ""
		*debugMode = false
	})

	overrides := buildOverrides()
	if overrides["log.level"] != "debug" {
		t.Errorf("log.level = %v, want debug", overrides["log.level"])
	}
}

func TestApplyReload_StagesServiceListAsPending(t *testing.T) {
	downstream := newDownstream(t)
	cfg := testAppConfig(downstream.URL)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, "", testLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.closeResources(ctx)

	current := config.ExtractHotReloadable(cfg)
	next := config.ExtractHotReloadable(cfg)
	next.LogLevel = "debug"
	next.Services = []config.ServiceConfig{
		{Name: "INVENTORY", Order: 0, TimeoutSeconds: 2},
		{Name: "CREDIT_CARD", Order: 1, TimeoutSeconds: 2},
	}

	activeBefore := a.registry.GetActive().Number
	applied := a.applyReload(ctx, current, next)

	if applied.LogLevel != "debug" {
		t.Errorf("applied log level = %q, want debug", applied.LogLevel)
	}
	pending := a.registry.GetPending()
	if pending == nil || len(pending.Services) != 2 {
		t.Fatalf("pending = %+v, want two services", pending)
	}
	if a.registry.GetActive().Number != activeBefore {
		t.Error("reload changed the active generation")
	}
	if applied.ServicesChanged(next) {
		t.Error("applied services differ from the staged list")
	}
}

func TestApplyReload_RejectedServiceListKeepsCurrent(t *testing.T) {
	downstream := newDownstream(t)
	cfg := testAppConfig(downstream.URL)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, "", testLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.closeResources(ctx)

	current := config.ExtractHotReloadable(cfg)
	next := config.ExtractHotReloadable(cfg)
	next.Services = []config.ServiceConfig{
		{Name: "INVENTORY", Order: 0, TimeoutSeconds: 2},
		{Name: "INVENTORY", Order: 1, TimeoutSeconds: 2},
	}

	applied := a.applyReload(ctx, current, next)
	if applied.ServicesChanged(current) {
		t.Error("rejected list replaced the current services")
	}
	if a.registry.GetPending() != nil {
		t.Error("rejected list was staged")
	}
}
