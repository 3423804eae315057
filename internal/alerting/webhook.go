package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// webhookPayload is the wire shape delivered to webhook actions.
type webhookPayload struct {
	Alert     *domain.Alert `json:"alert"`
	Timestamp int64         `json:"timestamp"`
	Source    string        `json:"source"`
}

// WebhookSender delivers fired alerts to external HTTP endpoints.
type WebhookSender struct {
	client  *http.Client
	retries int
}

// WebhookConfig configures the sender.
type WebhookConfig struct {
	Timeout time.Duration
	Retries int
}

// NewWebhookSender creates a sender with the given timeout and retry count.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookSender{
		client:  &http.Client{Timeout: cfg.Timeout},
		retries: cfg.Retries,
	}
}

// Send posts the alert envelope to the given URL, retrying transient
// failures. Context cancellation stops the retry loop.
func (s *WebhookSender) Send(ctx context.Context, url string, headers map[string]string, alert *domain.Alert) error {
	var lastErr error

	attempts := s.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		err := s.doRequest(ctx, url, headers, alert)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (s *WebhookSender) doRequest(ctx context.Context, url string, headers map[string]string, alert *domain.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Alert:     alert,
		Timestamp: time.Now().UnixMilli(),
		Source:    "telemetry",
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
