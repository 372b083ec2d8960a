package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgefix/edgefix/internal/types"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookSink posts outcomes as JSON to an HTTP endpoint. The body carries
// the Apprise-style title/body/format fields next to the outcome itself.
type WebhookSink struct {
	name   string
	url    string
	client *http.Client
}

type webhookPayload struct {
	Title   string        `json:"title"`
	Body    string        `json:"body"`
	Format  string        `json:"format"`
	Outcome types.Outcome `json:"outcome"`
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(name, url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSink) Name() string { return w.name }

// Deliver posts one outcome. Any status >= 400 is an error.
func (w *WebhookSink) Deliver(ctx context.Context, o types.Outcome) error {
	title, body := summary(o)
	jsonData, err := json.Marshal(webhookPayload{
		Title:   title,
		Body:    body,
		Format:  "text",
		Outcome: o,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", o.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook %s error: %d - %s", w.name, resp.StatusCode, string(body))
	}
	return nil
}
