// Package messaging implements agent-to-agent direct messages and
// broadcasts. A process-wide mode governs direct messages: off rejects
// everything, open delivers immediately, supervised parks messages for human
// approval. Delivery is an abstract status; a recipient without a webhook
// still receives a delivered row and polls for it.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentgate/agentgate/internal/gate/notify"
	"github.com/agentgate/agentgate/internal/gate/settings"
	"github.com/agentgate/agentgate/internal/gate/store"
)

var (
	// ErrDisabled is returned for every message operation while the mode
	// is off.
	ErrDisabled = errors.New("messaging: disabled")
	// ErrSelfSend rejects messages addressed to the sender.
	ErrSelfSend = errors.New("messaging: cannot message yourself")
	// ErrBodyTooLarge rejects bodies over the 10 KiB cap.
	ErrBodyTooLarge = errors.New("messaging: body too large")
	// ErrRecipientDisabled rejects messages to disabled agents.
	ErrRecipientDisabled = errors.New("messaging: recipient disabled")
)

// maxBodyBytes caps direct message and broadcast bodies.
const maxBodyBytes = 10 * 1024

// Messaging coordinates direct messages and broadcasts.
type Messaging struct {
	store    *store.Store
	settings *settings.Settings
	webhook  *notify.Webhook
	admin    notify.Admin
}

// New wires the subsystem. admin may be nil for no admin channel.
func New(st *store.Store, cfg *settings.Settings, webhook *notify.Webhook, admin notify.Admin) *Messaging {
	if admin == nil {
		admin = notify.NoopAdmin{}
	}
	return &Messaging{store: st, settings: cfg, webhook: webhook, admin: admin}
}

// Send creates a direct message according to the current mode: a delivered
// row (plus webhook push) under open, a pending row awaiting approval under
// supervised.
func (m *Messaging) Send(ctx context.Context, from, to, body string) (*store.AgentMessage, error) {
	mode, err := m.settings.MessagingMode(ctx)
	if err != nil {
		return nil, err
	}
	if mode == settings.MessagingOff {
		return nil, ErrDisabled
	}
	if strings.EqualFold(from, to) {
		return nil, ErrSelfSend
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body is %d bytes (max %d): %w", len(body), maxBodyBytes, ErrBodyTooLarge)
	}
	recipient, err := m.store.GetAgentByName(ctx, to)
	if err != nil {
		return nil, err
	}
	if !recipient.Enabled {
		return nil, fmt.Errorf("agent %q: %w", to, ErrRecipientDisabled)
	}

	msg := &store.AgentMessage{FromAgent: from, ToAgent: recipient.Name, Body: body}
	switch mode {
	case settings.MessagingOpen:
		msg.Status = "delivered"
		if err := m.store.InsertMessage(ctx, msg); err != nil {
			return nil, err
		}
		m.pushMessage(ctx, recipient, msg)
	case settings.MessagingSupervised:
		msg.Status = "pending"
		if err := m.store.InsertMessage(ctx, msg); err != nil {
			return nil, err
		}
		m.admin.Notice(ctx, fmt.Sprintf("message %d from %s to %s awaits approval", msg.ID, from, recipient.Name))
	}
	return msg, nil
}

// pushMessage notifies the recipient's webhook. Absent webhook is a silent
// no-op: the row stays delivered either way.
func (m *Messaging) pushMessage(ctx context.Context, recipient *store.Agent, msg *store.AgentMessage) {
	if !recipient.HasWebhook() {
		return
	}
	m.webhook.SendBestEffort(ctx, recipient.WebhookURL.String, recipient.WebhookToken.String, notify.Event{
		Type: "message.received",
		Text: fmt.Sprintf("new message from %s", msg.FromAgent),
		Fields: map[string]any{
			"message_id": msg.ID,
			"from_agent": msg.FromAgent,
		},
	})
}

// Inbox returns the agent's delivered messages, optionally unread only.
func (m *Messaging) Inbox(ctx context.Context, agent string, unreadOnly bool) ([]*store.AgentMessage, error) {
	if err := m.requireEnabled(ctx); err != nil {
		return nil, err
	}
	return m.store.ListMessagesTo(ctx, agent, unreadOnly)
}

// Outbox returns the agent's sent messages with their outcomes.
func (m *Messaging) Outbox(ctx context.Context, agent string) ([]*store.AgentMessage, error) {
	if err := m.requireEnabled(ctx); err != nil {
		return nil, err
	}
	return m.store.ListMessagesFrom(ctx, agent)
}

// MarkRead sets read-at once. A repeat call (or a message not addressed to
// the agent) surfaces as not-found-or-already-read.
func (m *Messaging) MarkRead(ctx context.Context, agent string, id int64) error {
	if err := m.requireEnabled(ctx); err != nil {
		return err
	}
	return m.store.MarkMessageRead(ctx, id, agent)
}

// Pending returns the human reviewer's inbox of supervised messages.
func (m *Messaging) Pending(ctx context.Context) ([]*store.AgentMessage, error) {
	return m.store.ListPendingMessages(ctx)
}

// ApprovePending delivers a pending message and pushes the recipient's
// webhook notification. Only a human action reaches this path.
func (m *Messaging) ApprovePending(ctx context.Context, id int64) error {
	if err := m.store.MarkMessageDelivered(ctx, id); err != nil {
		return err
	}
	msg, err := m.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if recipient, err := m.store.GetAgentByName(ctx, msg.ToAgent); err == nil {
		m.pushMessage(ctx, recipient, msg)
	}
	return nil
}

// RejectPending records the rejection reason on a pending message.
func (m *Messaging) RejectPending(ctx context.Context, id int64, reason string) error {
	return m.store.MarkMessageRejected(ctx, id, reason)
}

// Status summarizes the agent's messaging state.
type Status struct {
	Mode        string `json:"mode"`
	UnreadCount int    `json:"unread_count"`
}

// AgentStatus returns the mode and the agent's unread count.
func (m *Messaging) AgentStatus(ctx context.Context, agent string) (*Status, error) {
	mode, err := m.settings.MessagingMode(ctx)
	if err != nil {
		return nil, err
	}
	unread, err := m.store.CountUnreadMessages(ctx, agent)
	if err != nil {
		return nil, err
	}
	return &Status{Mode: mode, UnreadCount: unread}, nil
}

// Messageable lists enabled agents the sender could address, excluding
// itself.
func (m *Messaging) Messageable(ctx context.Context, agent string) ([]string, error) {
	if err := m.requireEnabled(ctx); err != nil {
		return nil, err
	}
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range agents {
		if a.Enabled && !strings.EqualFold(a.Name, agent) {
			names = append(names, a.Name)
		}
	}
	return names, nil
}

// BroadcastResult reports the per-recipient outcome of a fan-out.
type BroadcastResult struct {
	BroadcastID int64    `json:"broadcast_id"`
	Delivered   []string `json:"delivered"`
	Failed      []string `json:"failed"`
}

// Broadcast fans the body out in parallel to every enabled agent with a
// webhook, excluding the sender, and records a recipient row per target.
func (m *Messaging) Broadcast(ctx context.Context, from, body string) (*BroadcastResult, error) {
	if err := m.requireEnabled(ctx); err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body is %d bytes (max %d): %w", len(body), maxBodyBytes, ErrBodyTooLarge)
	}

	targets, err := m.store.ListBroadcastTargets(ctx, from)
	if err != nil {
		return nil, err
	}

	b := &store.Broadcast{FromAgent: from, Body: body, TotalRecipients: len(targets)}
	if err := m.store.InsertBroadcast(ctx, b); err != nil {
		return nil, err
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
			err := m.webhook.Send(ctx, target.WebhookURL.String, target.WebhookToken.String, notify.Event{
				Type: "broadcast.received",
				Text: fmt.Sprintf("broadcast from %s", from),
				Fields: map[string]any{
					"broadcast_id": b.ID,
					"from_agent":   from,
					"body":         body,
				},
			})
			outcomes[i] = outcome{name: target.Name, err: err}
		}(i, target)
	}
	wg.Wait()

	result := &BroadcastResult{BroadcastID: b.ID, Delivered: []string{}, Failed: []string{}}
	for _, o := range outcomes {
		r := &store.BroadcastRecipient{BroadcastID: b.ID, ToAgent: o.name, Status: "delivered"}
		if o.err != nil {
			r.Status = "failed"
			errText := o.err.Error()
			r.Error = &errText
			result.Failed = append(result.Failed, o.name)
		} else {
			result.Delivered = append(result.Delivered, o.name)
		}
		if err := m.store.InsertBroadcastRecipient(ctx, r); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ListBroadcasts returns broadcasts the agent sent or received.
func (m *Messaging) ListBroadcasts(ctx context.Context, agent string, limit int) ([]*store.Broadcast, error) {
	if err := m.requireEnabled(ctx); err != nil {
		return nil, err
	}
	return m.store.ListBroadcastsInvolving(ctx, agent, limit)
}

// GetBroadcast returns a broadcast with its recipient outcomes.
func (m *Messaging) GetBroadcast(ctx context.Context, id int64) (*store.Broadcast, []*store.BroadcastRecipient, error) {
	if err := m.requireEnabled(ctx); err != nil {
		return nil, nil, err
	}
	return m.store.GetBroadcast(ctx, id)
}

func (m *Messaging) requireEnabled(ctx context.Context) error {
	mode, err := m.settings.MessagingMode(ctx)
	if err != nil {
		return err
	}
	if mode == settings.MessagingOff {
		return ErrDisabled
	}
	return nil
}
