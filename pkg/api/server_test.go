package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/api/handlers"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTP.IdleTimeout = 2 * time.Minute
	cfg.Server.HTTP.MaxHeaderBytes = 1 << 16

	server := NewHTTPServer(cfg, testLogger(), &Handlers{Health: handlers.NewHealthHandler(nil)})

	if server.Addr() != "127.0.0.1:8080" {
		t.Fatalf("addr = %q", server.Addr())
	}
	if server.server.ReadTimeout != 5*time.Second || server.server.IdleTimeout != 2*time.Minute {
		t.Fatalf("timeouts = %v/%v", server.server.ReadTimeout, server.server.IdleTimeout)
	}
	if server.server.MaxHeaderBytes != 1<<16 {
		t.Fatalf("max header bytes = %d", server.server.MaxHeaderBytes)
	}
	if server.Handler() == nil {
		t.Fatal("router not initialized")
	}
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	server := NewHTTPServer(testConfig(), testLogger(), &Handlers{Health: handlers.NewHealthHandler(nil)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	url := fmt.Sprintf("http://%s/health", ln.Addr().String())
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get(url)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
