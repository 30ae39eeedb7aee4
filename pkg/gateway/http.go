package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/version"
)

const maxResponseBytes = 1 << 20

var tracer = otel.Tracer("ordersaga.gateway")

// BreakerConfig configures the per-service circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// Config configures an HTTPClient.
type Config struct {
	// Endpoints maps each kind to its base URL.
	Endpoints map[registry.ServiceKind]string

	// RequestsPerSecond limits calls per service; zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	Breaker BreakerConfig
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithMetrics sets the downstream call recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(h *HTTPClient) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(h *HTTPClient) {
		if l != nil {
			h.logger = l
		}
	}
}

type endpoint struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// HTTPClient implements Client over JSON/HTTP.
type HTTPClient struct {
	http      *http.Client
	endpoints map[registry.ServiceKind]*endpoint
	metrics   MetricsRecorder
	logger    Logger
}

// NewHTTPClient builds a client with one breaker and limiter per service kind.
func NewHTTPClient(cfg Config, opts ...Option) (*HTTPClient, error) {
	c := &HTTPClient{
		http:      cleanhttp.DefaultPooledClient(),
		endpoints: make(map[registry.ServiceKind]*endpoint, len(cfg.Endpoints)),
		metrics:   nopMetricsRecorder{},
		logger:    nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	for kind, base := range cfg.Endpoints {
		if _, err := kind.Endpoint(base, registry.OperationNotify); err != nil {
			return nil, err
		}
		ep := &endpoint{
			baseURL: base,
			breaker: gobreaker.NewCircuitBreaker(c.breakerSettings(kind, cfg.Breaker)),
		}
		if cfg.RequestsPerSecond > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			ep.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		}
		c.endpoints[kind] = ep
	}
	return c, nil
}

func (c *HTTPClient) breakerSettings(kind registry.ServiceKind, cfg BreakerConfig) gobreaker.Settings {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 {
		ratio = 0.6
	}
	return gobreaker.Settings{
		Name:        kind.String(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		// Caller cancellation is not counted against the downstream.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				"service", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
}

// Notify calls POST <service>/notify.
func (c *HTTPClient) Notify(ctx context.Context, kind registry.ServiceKind, req NotifyRequest) (*NotifyResponse, error) {
	var resp NotifyResponse
	if err := c.call(ctx, kind, registry.OperationNotify, req.TxID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rollback calls POST <service>/rollback.
func (c *HTTPClient) Rollback(ctx context.Context, kind registry.ServiceKind, req RollbackRequest) (*RollbackResponse, error) {
	var resp RollbackResponse
	if err := c.call(ctx, kind, registry.OperationRollback, req.TxID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) call(ctx context.Context, kind registry.ServiceKind, op registry.Operation, txID string, body, out any) (err error) {
	ctx, span := tracer.Start(ctx, "gateway."+string(op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("saga.service", kind.String()),
			attribute.String("saga.tx_id", txID),
		),
	)
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.RecordDownstreamCall(kind.String(), string(op), result, time.Since(start).Seconds())
		span.End()
	}()

	ep, ok := c.endpoints[kind]
	if !ok {
		return fmt.Errorf("%w: no endpoint for %s", registry.ErrUnknownService, kind)
	}
	url, err := kind.Endpoint(ep.baseURL, op)
	if err != nil {
		return err
	}
	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s rate limit: %v", ErrUnavailable, kind, err)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s %s request: %w", kind, op, err)
	}

	_, err = ep.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, kind, op, url, payload, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, kind, err)
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, kind registry.ServiceKind, op registry.Operation, url string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", kind, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", kind, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Service: kind, Operation: op, StatusCode: resp.StatusCode}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", kind, op, err)
	}
	return nil
}
