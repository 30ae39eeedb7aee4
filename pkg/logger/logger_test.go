package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"ERROR", ErrorLevel},
		{"unknown", InfoLevel}, // default
		{"", InfoLevel},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseLevelStrict(t *testing.T) {
	if level, err := ParseLevelStrict(" Warn "); err != nil || level != WarnLevel {
		t.Fatalf("ParseLevelStrict(warn) = %v, %v", level, err)
	}
	if _, err := ParseLevelStrict("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := tt.level.String()
			if result != tt.expected {
				t.Errorf("Level.String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestNew(t *testing.T) {
	log := New(nil)
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
	if log.GetLevel() != InfoLevel {
		t.Errorf("default level = %v, want info", log.GetLevel())
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestSlogLogger_JSONRecord(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Service: "ordersaga", Writer: &buf})

	log.Info("saga completed", "tx_id", "tx-1")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d", len(lines))
	}
	rec := lines[0]
	if rec["message"] != "saga completed" {
		t.Errorf("message = %v", rec["message"])
	}
	if rec["service"] != "ordersaga" {
		t.Errorf("service = %v", rec["service"])
	}
	if rec["tx_id"] != "tx-1" {
		t.Errorf("tx_id = %v", rec["tx_id"])
	}
}

func TestSlogLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf})

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %s", buf.String())
	}

	log.SetLevel(DebugLevel)
	if log.GetLevel() != DebugLevel {
		t.Fatalf("GetLevel() = %v, want debug", log.GetLevel())
	}
	log.Debug("visible")
	if len(decodeLines(t, &buf)) != 1 {
		t.Fatalf("expected debug record after SetLevel, got %q", buf.String())
	}
}

func TestSlogLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&Config{Level: ErrorLevel, Format: "json", Writer: &buf})
	child := parent.With("component", "relay")

	child.Warn("suppressed")
	parent.SetLevel(WarnLevel)
	child.Warn("emitted")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d", len(lines))
	}
	if lines[0]["component"] != "relay" {
		t.Errorf("component = %v", lines[0]["component"])
	}
	if child.GetLevel() != WarnLevel {
		t.Errorf("child level = %v, want warn", child.GetLevel())
	}
}

func TestSlogLogger_WithContext(t *testing.T) {
	log := New(&Config{Level: InfoLevel, Format: "text", Writer: &bytes.Buffer{}})
	ctx := log.WithContext(context.Background())

	if FromContext(ctx) != log {
		t.Fatal("expected logger stored in context")
	}
}

func TestFromContext_NoLogger(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected global logger when no logger in context")
	}
}

func TestSlogLogger_TraceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.InfoContext(ctx, "step notified")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d", len(lines))
	}
	if lines[0]["trace_id"] != traceID.String() {
		t.Errorf("trace_id = %v", lines[0]["trace_id"])
	}
	if lines[0]["span_id"] != spanID.String() {
		t.Errorf("span_id = %v", lines[0]["span_id"])
	}
}

func TestSlogLogger_SagaFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf}).With("component", "saga")

	ctx := WithSaga(context.Background(), "tx-5", "order-5")
	log.WarnContext(ctx, "rollback attempt failed", "service", "INVENTORY")
	log.Warn("no context")
	log.InfoContext(WithSaga(context.Background(), "tx-6", ""), "recovered")

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("expected 3 records, got %d", len(lines))
	}
	if lines[0]["tx_id"] != "tx-5" || lines[0]["order_id"] != "order-5" || lines[0]["component"] != "saga" {
		t.Errorf("first record = %v", lines[0])
	}
	if _, ok := lines[1]["tx_id"]; ok {
		t.Errorf("record without saga context has tx_id: %v", lines[1])
	}
	if _, ok := lines[2]["order_id"]; ok || lines[2]["tx_id"] != "tx-6" {
		t.Errorf("third record = %v", lines[2])
	}
}

func TestSagaFromContext(t *testing.T) {
	if _, _, ok := SagaFromContext(context.Background()); ok {
		t.Fatal("empty context reported a saga")
	}
	txID, orderID, ok := SagaFromContext(WithSaga(context.Background(), "tx-1", "order-1"))
	if !ok || txID != "tx-1" || orderID != "order-1" {
		t.Fatalf("SagaFromContext = %q %q %v", txID, orderID, ok)
	}
}

func TestGlobalAndComponent(t *testing.T) {
	previous := Global()
	t.Cleanup(func() { SetGlobal(previous) })

	var buf bytes.Buffer
	SetGlobal(New(&Config{Level: DebugLevel, Format: "json", Writer: &buf}))
	SetGlobal(nil) // ignored

	Component("recovery").Info("scan finished", "resumed", 2)
	Debug("debug message")
	InfoContext(context.Background(), "info message")

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("expected 3 records, got %d", len(lines))
	}
	if lines[0]["component"] != "recovery" {
		t.Errorf("component = %v", lines[0]["component"])
	}

	SetLevel(ErrorLevel)
	if Global().GetLevel() != ErrorLevel {
		t.Errorf("global level = %v, want error", Global().GetLevel())
	}
}

func TestSlogLogger_Close(t *testing.T) {
	t.Run("stdout output returns nil closer", func(t *testing.T) {
		log := New(&Config{Level: InfoLevel, Format: "text", Output: "stdout"}).(*SlogLogger)
		if err := log.Close(); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})

	t.Run("file output can be closed", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "ordersaga.log")
		log := New(&Config{Level: InfoLevel, Format: "json", Output: logFile}).(*SlogLogger)

		log.Info("test message", "key", "value")
		if err := log.Close(); err != nil {
			t.Errorf("unexpected error on close: %v", err)
		}

		content, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if len(content) == 0 {
			t.Error("expected log file to have content")
		}
	})

	t.Run("derived logger has nil closer", func(t *testing.T) {
		log := New(&Config{Level: InfoLevel, Format: "text", Output: "stdout"}).With("component", "test").(*SlogLogger)
		if err := log.Close(); err != nil {
			t.Errorf("expected nil error for derived logger, got %v", err)
		}
	})

	t.Run("invalid path falls back to stdout", func(t *testing.T) {
		log := New(&Config{Level: InfoLevel, Format: "text", Output: "/nonexistent/path/to/file.log"}).(*SlogLogger)
		if err := log.Close(); err != nil {
			t.Errorf("expected nil error for stdout fallback, got %v", err)
		}
	})
}

func TestGetWriter(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantCloser bool
	}{
		{"stdout", "stdout", false},
		{"stderr", "stderr", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, closer := getWriter(tt.output)
			if tt.wantCloser && closer == nil {
				t.Error("expected non-nil closer")
			}
			if !tt.wantCloser && closer != nil {
				t.Error("expected nil closer")
			}
		})
	}
}
