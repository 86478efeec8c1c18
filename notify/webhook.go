package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opsrun/opsrun/runbook"
)

// webhookPayload is the JSON body posted to the endpoint. The field names
// match Slack-compatible incoming webhooks.
type webhookPayload struct {
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

// WebhookNotifier posts messages to a Slack-compatible webhook URL.
type WebhookNotifier struct {
	url      string
	username string
	client   *http.Client
	logger   *slog.Logger
}

var _ runbook.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier for the given webhook URL. A nil
// logger falls back to slog.Default().
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{},
		logger: logger,
	}
}

// SetClient overrides the HTTP client (useful for testing).
func (w *WebhookNotifier) SetClient(client *http.Client) {
	if client != nil {
		w.client = client
	}
}

// SetUsername sets the sender name included in the payload.
func (w *WebhookNotifier) SetUsername(username string) {
	w.username = username
}

// Notify posts the message to the webhook. Non-2xx responses are errors, so
// the executor's retry budget applies to flaky endpoints.
func (w *WebhookNotifier) Notify(ctx context.Context, channel, message string) error {
	if w.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	body, err := json.Marshal(webhookPayload{Channel: channel, Username: w.username, Text: message})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook notification sent", "channel", channel)
	return nil
}
