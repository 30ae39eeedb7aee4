package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MetricsRecorder defines the interface for recording HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequestContext(ctx context.Context, method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics returns a middleware that records HTTP metrics labelled by route
// pattern, so transaction ids never become label values.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			wrapped := newStatusRecorder(w)
			record := func(status int) {
				recorder.RecordHTTPRequestContext(r.Context(), r.Method, metricsPath(r), strconv.Itoa(status), time.Since(start))
			}

			defer func() {
				if err := recover(); err != nil {
					record(http.StatusInternalServerError)
					panic(err)
				}
			}()

			next.ServeHTTP(wrapped, r)
			record(wrapped.statusCode)
		})
	}
}

func metricsPath(r *http.Request) string {
	if pattern := routePattern(r); pattern != "" && pattern != r.URL.Path {
		return pattern
	}
	return normalizePath(r.URL.Path)
}

// normalizePath collapses transaction ids and numeric segments to ":id" for
// requests that never reached a router.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if uuid.Validate(part) == nil || isDigits(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
