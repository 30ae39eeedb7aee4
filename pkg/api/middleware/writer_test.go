package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusRecorder_Hijack(t *testing.T) {
	inner := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rec := newStatusRecorder(inner)

	if _, _, err := rec.Hijack(); err != nil {
		t.Fatalf("Hijack() error = %v", err)
	}
	if !inner.hijacked {
		t.Fatal("expected hijack to reach the underlying writer")
	}
	if rec.statusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", rec.statusCode)
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("expected error when underlying writer cannot hijack")
	}
}

func TestStatusRecorder_FirstStatusWins(t *testing.T) {
	w := httptest.NewRecorder()
	rec := newStatusRecorder(w)
	rec.WriteHeader(http.StatusCreated)
	_, _ = rec.Write([]byte("abc"))

	if rec.statusCode != http.StatusCreated || rec.size != 3 {
		t.Fatalf("status = %d size = %d", rec.statusCode, rec.size)
	}
	if again := newStatusRecorder(rec); again != rec {
		t.Fatal("expected existing recorder to be reused")
	}
}
