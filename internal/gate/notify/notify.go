// Package notify delivers outbound notifications: best-effort JSON POSTs to
// agent webhooks, and optional admin notices to a Matrix room.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/common/redact"
)

// maxTextLen caps the human summary included in webhook payloads.
const maxTextLen = 500

// Event is one outbound webhook notification. Fields are flattened into the
// payload next to type, text, and mode.
type Event struct {
	Type   string
	Text   string
	Fields map[string]any
}

// Webhook posts events to agent webhook URLs with a bounded per-call
// timeout. Safe for concurrent use.
type Webhook struct {
	http    *http.Client
	timeout time.Duration
}

// NewWebhook builds a webhook sender. timeout bounds each delivery; zero
// means 10 seconds.
func NewWebhook(timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Send delivers the event to url, using token as bearer auth when set.
// Callers on best-effort paths log the error and move on; the broadcast
// path records it per recipient.
func (w *Webhook) Send(ctx context.Context, url, token string, evt Event) error {
	payload := make(map[string]any, len(evt.Fields)+3)
	for k, v := range evt.Fields {
		payload[k] = v
	}
	payload["type"] = evt.Type
	text := evt.Text
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	payload["text"] = text
	payload["mode"] = "now"

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	slog.Debug("webhook delivered", "type", evt.Type, "payload", redact.Map(payload))
	return nil
}

// SendBestEffort delivers the event, logging failures instead of returning
// them. The persisted state that triggered the notification is unaffected.
func (w *Webhook) SendBestEffort(ctx context.Context, url, token string, evt Event) {
	if url == "" {
		return
	}
	if err := w.Send(ctx, url, token, evt); err != nil {
		slog.Warn("webhook notification failed", "type", evt.Type, "err", err)
	}
}
