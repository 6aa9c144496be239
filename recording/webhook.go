package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookForwarder posts summaries as JSON to an automation hook.
type WebhookForwarder struct {
	url        string
	httpClient *http.Client
}

var _ Forwarder = (*WebhookForwarder)(nil)

// NewWebhookForwarder creates a forwarder. A nil client gets a 15s timeout.
func NewWebhookForwarder(url string, httpClient *http.Client) (*WebhookForwarder, error) {
	if url == "" {
		return nil, errors.New("webhook URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookForwarder{url: url, httpClient: httpClient}, nil
}

// Forward posts summary and expects a 2xx response.
func (f *WebhookForwarder) Forward(ctx context.Context, summary Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
