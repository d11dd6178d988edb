package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/agentgate/agentgate/internal/gate/notify"
	"github.com/agentgate/agentgate/internal/gate/settings"
	"github.com/agentgate/agentgate/internal/gate/store"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 * 1024 * 1024

// validSignature checks sigHeader ("sha256=<hex>") against the HMAC-SHA256
// of body. Comparison is constant-time.
func validSignature(secret, body []byte, sigHeader string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(sigHeader, prefix) {
		return false
	}
	expected, err := hex.DecodeString(sigHeader[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// handleGitHubWebhook verifies the delivery signature over the raw body,
// answers pings, filters events, and fans accepted events out to every agent
// with a webhook. Every delivery outcome lands in the webhook log.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad-request", "read body: "+err.Error())
		return
	}
	r.Body.Close()

	cfg, err := s.settings.WebhookSourceConfig(ctx, "github")
	if errors.Is(err, store.ErrSettingNotFound) {
		// Unconfigured source: no signature check, nothing fans out.
		cfg = &settings.WebhookSource{}
	} else if err != nil {
		fail(w, err)
		return
	}
	sig := r.Header.Get("X-Hub-Signature-256")
	if cfg.Secret != "" {
		if sig == "" {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "missing webhook signature")
			return
		}
		if !validSignature([]byte(cfg.Secret), body, sig) {
			writeErr(w, http.StatusForbidden, "forbidden", "bad webhook signature")
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeErr(w, http.StatusBadRequest, "bad-request", "invalid JSON payload")
			return
		}
	}

	if eventType == "ping" {
		zen, _ := payload["zen"].(string)
		s.logWebhook(ctx, "ping", deliveryID, "", "pong", "")
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong", "zen": zen})
		return
	}

	event := eventType
	if action, ok := payload["action"].(string); ok && action != "" {
		event = eventType + "." + action
	}
	repo := ""
	if repository, ok := payload["repository"].(map[string]any); ok {
		repo, _ = repository["full_name"].(string)
	}

	if !cfg.FanOut(event) {
		s.logWebhook(ctx, event, deliveryID, "", "filtered", "")
		writeJSON(w, http.StatusOK, map[string]any{"event": event, "delivered": 0, "failed": 0})
		return
	}

	targets, err := s.store.ListBroadcastTargets(ctx, "")
	if err != nil {
		fail(w, err)
		return
	}

	type outcome struct {
		name string
		err  error
	}
	outcomes := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target *store.Agent) {
			defer wg.Done()
			err := s.webhook.Send(ctx, target.WebhookURL.String, target.WebhookToken.String, notify.Event{
				Type: "webhook.github",
				Text: fmt.Sprintf("github %s on %s", event, repo),
				Fields: map[string]any{
					"service": "github",
					"event":   event,
					"repo":    repo,
					"data":    json.RawMessage(body),
				},
			})
			outcomes[i] = outcome{name: target.Name, err: err}
		}(i, target)
	}
	wg.Wait()

	delivered, failed := 0, 0
	for _, o := range outcomes {
		if o.err != nil {
			failed++
			s.logWebhook(ctx, event, deliveryID, o.name, "failed", o.err.Error())
		} else {
			delivered++
			s.logWebhook(ctx, event, deliveryID, o.name, "delivered", "")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event":     event,
		"delivered": delivered,
		"failed":    failed,
	})
}

func (s *Server) logWebhook(ctx context.Context, event, deliveryID, target, outcome, errText string) {
	err := s.store.InsertWebhookLog(ctx, &store.WebhookLogEntry{
		Source:     "github",
		Event:      event,
		DeliveryID: deliveryID,
		Target:     target,
		Outcome:    outcome,
		Error:      errText,
	})
	if err != nil {
		slog.Warn("failed to record webhook delivery", "event", event, "target", target, "err", err)
	}
}
