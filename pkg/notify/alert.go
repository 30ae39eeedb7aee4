package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/goclaw/ordersaga/pkg/version"
)

// Alert reports a compensation that exhausted its retry budget.
type Alert struct {
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id"`
	Service       string    `json:"service"`
	Attempts      int       `json:"attempts"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// Logger is the logging subset used by LogAlerter.
type Logger interface {
	Error(msg string, args ...any)
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	logger Logger
}

// NewLogAlerter creates an alerter logging at error level.
func NewLogAlerter(logger Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs alert.
func (a *LogAlerter) Alert(_ context.Context, alert Alert) error {
	if a.logger == nil {
		return nil
	}
	a.logger.Error("compensation requires operator attention",
		"tx_id", alert.TransactionID,
		"order_id", alert.OrderID,
		"service", alert.Service,
		"attempts", alert.Attempts,
		"reason", alert.Reason,
	)
	return nil
}

// WebhookAlerter posts alerts as JSON to a URL.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a webhook alerter with a pooled client.
func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	client := cleanhttp.DefaultPooledClient()
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &WebhookAlerter{url: url, client: client}
}

// Alert posts alert to the webhook.
func (a *WebhookAlerter) Alert(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiAlerter sends each alert to every alerter, joining errors.
type MultiAlerter []Alerter

// Alert fans alert out.
func (m MultiAlerter) Alert(ctx context.Context, alert Alert) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
