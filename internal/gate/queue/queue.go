// Package queue implements human-in-the-loop write mediation: agents submit
// batches of upstream write requests, a human approves or rejects them, and
// approved batches are handed to the executor. Per-(agent, service, account)
// bypass turns submission into immediate execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentgate/agentgate/internal/gate/access"
	"github.com/agentgate/agentgate/internal/gate/executor"
	"github.com/agentgate/agentgate/internal/gate/notify"
	"github.com/agentgate/agentgate/internal/gate/registry"
	"github.com/agentgate/agentgate/internal/gate/settings"
	"github.com/agentgate/agentgate/internal/gate/store"
)

var (
	// ErrInvalidService rejects submissions to unknown or read-only services.
	ErrInvalidService = errors.New("queue: invalid service")
	// ErrAccountNotConfigured rejects submissions when no credential exists.
	ErrAccountNotConfigured = errors.New("queue: account not configured")
	// ErrAccessDenied rejects agents the resolver does not permit.
	ErrAccessDenied = errors.New("queue: access denied")
	// ErrBadRequest rejects malformed submissions (shape, method, comment).
	ErrBadRequest = errors.New("queue: bad request")
	// ErrPathBlocked rejects requests against denylisted upstream paths.
	ErrPathBlocked = errors.New("queue: path blocked")
	// ErrWithdrawDisabled is returned when the operator has turned agent
	// withdrawal off.
	ErrWithdrawDisabled = errors.New("queue: withdraw disabled")
	// ErrNotSubmitter guards withdraw (submitter only) and warn (anyone but
	// the submitter).
	ErrNotSubmitter = errors.New("queue: agent is not the submitter")
)

var allowedMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Queue coordinates the approval workflow.
type Queue struct {
	store    *store.Store
	settings *settings.Settings
	access   *access.Resolver
	exec     *executor.Executor
	webhook  *notify.Webhook
	admin    notify.Admin
	denylist *registry.Denylist
}

// New wires the queue. admin and denylist may be the no-op/default values.
func New(st *store.Store, cfg *settings.Settings, resolver *access.Resolver,
	exec *executor.Executor, webhook *notify.Webhook, admin notify.Admin,
	denylist *registry.Denylist) *Queue {
	if admin == nil {
		admin = notify.NoopAdmin{}
	}
	if denylist == nil {
		denylist = registry.DefaultDenylist()
	}
	return &Queue{
		store:    st,
		settings: cfg,
		access:   resolver,
		exec:     exec,
		webhook:  webhook,
		admin:    admin,
		denylist: denylist,
	}
}

// View is the external representation of a queue entry.
type View struct {
	ID              string                `json:"id"`
	Service         string                `json:"service"`
	AccountName     string                `json:"account_name"`
	Requests        []executor.Request    `json:"requests"`
	Comment         string                `json:"comment"`
	SubmittedBy     string                `json:"submitted_by"`
	SubmittedAt     time.Time             `json:"submitted_at"`
	Status          string                `json:"status"`
	ReviewedAt      *time.Time            `json:"reviewed_at,omitempty"`
	RejectionReason *string               `json:"rejection_reason,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	Results         []executor.Result     `json:"results,omitempty"`
	AutoApproved    bool                  `json:"auto_approved,omitempty"`
	Warnings        []*store.QueueWarning `json:"warnings,omitempty"`
}

// SubmitResult is returned from Submit: a pending acknowledgment in the
// normal path, a full terminal view under bypass.
type SubmitResult struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Message  string            `json:"message,omitempty"`
	Bypassed bool              `json:"bypassed,omitempty"`
	Results  []executor.Result `json:"results,omitempty"`
}

// Submit validates and persists a write batch. Validation order: service,
// credential, access, then shape. When the agent holds the bypass flag the
// entry is executed inline and the terminal view returned.
func (q *Queue) Submit(ctx context.Context, agent, serviceKey, account string, reqs []executor.Request, comment string) (*SubmitResult, error) {
	svc, ok := registry.Lookup(serviceKey)
	if !ok || !svc.Writable {
		return nil, fmt.Errorf("service %q: %w", serviceKey, ErrInvalidService)
	}
	if _, err := q.store.GetCredential(ctx, svc.DBKey, account); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", serviceKey, account, ErrAccountNotConfigured)
		}
		return nil, err
	}
	allowed, err := q.access.Allowed(ctx, svc.DBKey, account, agent)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("agent %q on %s/%s: %w", agent, serviceKey, account, ErrAccessDenied)
	}

	if len(reqs) == 0 {
		return nil, fmt.Errorf("requests must not be empty: %w", ErrBadRequest)
	}
	if strings.TrimSpace(comment) == "" {
		return nil, fmt.Errorf("comment is required: %w", ErrBadRequest)
	}
	for i := range reqs {
		if reqs[i].Path == "" {
			return nil, fmt.Errorf("request %d has no path: %w", i, ErrBadRequest)
		}
		method := strings.ToUpper(reqs[i].Method)
		if !allowedMethods[method] {
			return nil, fmt.Errorf("request %d method %q: %w", i, reqs[i].Method, ErrBadRequest)
		}
		reqs[i].Method = method
		if q.denylist.Blocked(svc.Key, reqs[i].Path) {
			return nil, fmt.Errorf("request %d path %q: %w", i, reqs[i].Path, ErrPathBlocked)
		}
	}

	bypass, err := q.access.Bypass(ctx, svc.DBKey, account, agent)
	if err != nil {
		return nil, err
	}

	requestsJSON, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode requests: %w", err)
	}
	entry := &store.QueueEntry{
		Service:      svc.DBKey,
		AccountName:  account,
		RequestsJSON: string(requestsJSON),
		Comment:      comment,
		SubmittedBy:  agent,
		AutoApproved: bypass,
	}
	if err := q.store.InsertQueueEntry(ctx, entry); err != nil {
		return nil, err
	}

	if bypass {
		return q.executeBypass(ctx, entry, svc, account, reqs)
	}

	q.admin.Notice(ctx, fmt.Sprintf("queue %s: %s wants %d write(s) to %s/%s: %s",
		entry.ID, agent, len(reqs), serviceKey, account, comment))
	return &SubmitResult{
		ID:      entry.ID,
		Status:  "pending",
		Message: "queued for approval",
	}, nil
}

// executeBypass advances the fresh entry straight through approval and runs
// it inline, returning the terminal view.
func (q *Queue) executeBypass(ctx context.Context, entry *store.QueueEntry, svc *registry.Service, account string, reqs []executor.Request) (*SubmitResult, error) {
	if err := q.store.MarkQueueApproved(ctx, entry.ID); err != nil {
		return nil, err
	}
	status, results, err := q.execute(ctx, entry.ID, svc, account, reqs)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		ID:       entry.ID,
		Status:   status,
		Bypassed: true,
		Results:  results,
	}, nil
}

// execute moves an approved entry through executing to its terminal state.
func (q *Queue) execute(ctx context.Context, id string, svc *registry.Service, account string, reqs []executor.Request) (string, []executor.Result, error) {
	if err := q.store.MarkQueueExecuting(ctx, id); err != nil {
		return "", nil, err
	}
	results, ok := q.exec.Run(ctx, svc, account, reqs)
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return "", nil, fmt.Errorf("encode results: %w", err)
	}
	status := "completed"
	if !ok {
		status = "failed"
	}
	if ok {
		err = q.store.MarkQueueCompleted(ctx, id, string(resultsJSON))
	} else {
		err = q.store.MarkQueueFailed(ctx, id, string(resultsJSON))
	}
	if err != nil {
		return "", nil, err
	}
	q.notifySubmitter(ctx, id, status, len(results))
	return status, results, nil
}

// Approve transitions pending → approved and executes the batch
// asynchronously. A non-pending entry fails with the store's illegal-state
// error.
func (q *Queue) Approve(ctx context.Context, id string) error {
	entry, err := q.store.GetQueueEntry(ctx, id)
	if err != nil {
		return err
	}
	svc, reqs, err := decodeEntry(entry)
	if err != nil {
		return err
	}
	if err := q.store.MarkQueueApproved(ctx, id); err != nil {
		return err
	}

	// The HTTP call returns once the approval is durable; execution
	// proceeds in the background and is observed by polling or webhook.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, _, err := q.execute(ctx, id, svc, entry.AccountName, reqs); err != nil {
			slog.Error("queue execution failed", "id", id, "err", err)
		}
	}()
	return nil
}

// Reject transitions pending → rejected with a reason.
func (q *Queue) Reject(ctx context.Context, id, reason string) error {
	if err := q.store.MarkQueueRejected(ctx, id, reason); err != nil {
		return err
	}
	q.notifySubmitter(ctx, id, "rejected", 0)
	return nil
}

// Withdraw lets the submitting agent retract its own pending entry, when
// the operator has the feature enabled. Races with approval resolve to one
// winner through the store's compare-and-set transition.
func (q *Queue) Withdraw(ctx context.Context, id, agent, reason string) error {
	enabled, err := q.settings.AgentWithdrawEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrWithdrawDisabled
	}
	entry, err := q.store.GetQueueEntry(ctx, id)
	if err != nil {
		return err
	}
	if !strings.EqualFold(entry.SubmittedBy, agent) {
		return fmt.Errorf("entry %s belongs to %s: %w", id, entry.SubmittedBy, ErrNotSubmitter)
	}
	return q.store.MarkQueueWithdrawn(ctx, id, reason)
}

// Warn attaches a peer warning to a pending entry. The warner must not be
// the submitter; the submitter is notified best-effort.
func (q *Queue) Warn(ctx context.Context, id, agent, message string) (int64, error) {
	if strings.TrimSpace(message) == "" {
		return 0, fmt.Errorf("warning message is required: %w", ErrBadRequest)
	}
	entry, err := q.store.GetQueueEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	if entry.Status != "pending" {
		return 0, fmt.Errorf("entry %s is %s: %w", id, entry.Status, store.ErrIllegalState)
	}
	if strings.EqualFold(entry.SubmittedBy, agent) {
		return 0, fmt.Errorf("submitter cannot warn own entry: %w", ErrNotSubmitter)
	}

	warningID, err := q.store.InsertQueueWarning(ctx, id, agent, message)
	if err != nil {
		return 0, err
	}

	if submitter, err := q.store.GetAgentByName(ctx, entry.SubmittedBy); err == nil && submitter.HasWebhook() {
		q.webhook.SendBestEffort(ctx, submitter.WebhookURL.String, submitter.WebhookToken.String, notify.Event{
			Type: "queue.warning",
			Text: fmt.Sprintf("%s warned about queue entry %s: %s", agent, id, message),
			Fields: map[string]any{
				"queue_id":  id,
				"warned_by": agent,
				"message":   message,
			},
		})
	}
	q.admin.Notice(ctx, fmt.Sprintf("queue %s: warning from %s: %s", id, agent, message))
	return warningID, nil
}

// Warnings returns the warnings attached to an entry, oldest first.
func (q *Queue) Warnings(ctx context.Context, id string) ([]*store.QueueWarning, error) {
	if _, err := q.store.GetQueueEntry(ctx, id); err != nil {
		return nil, err
	}
	return q.store.ListQueueWarnings(ctx, id)
}

// Status returns the full view of an entry. When service and account are
// non-empty they must match the entry, otherwise the entry is reported as
// not found.
func (q *Queue) Status(ctx context.Context, id, serviceKey, account string) (*View, error) {
	entry, err := q.store.GetQueueEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if serviceKey != "" {
		svc, ok := registry.Lookup(serviceKey)
		if !ok || svc.DBKey != entry.Service {
			return nil, fmt.Errorf("queue entry %q: %w", id, store.ErrNotFound)
		}
	}
	if account != "" && account != entry.AccountName {
		return nil, fmt.Errorf("queue entry %q: %w", id, store.ErrNotFound)
	}
	warnings, err := q.store.ListQueueWarnings(ctx, id)
	if err != nil {
		return nil, err
	}
	return buildView(entry, warnings)
}

// List returns entries visible to the agent: all entries when the shared
// visibility setting is on, otherwise only the agent's own.
func (q *Queue) List(ctx context.Context, agent, serviceKey, account string) ([]*View, error) {
	shared, err := q.settings.SharedQueueVisibility(ctx)
	if err != nil {
		return nil, err
	}
	submittedBy := agent
	if shared {
		submittedBy = ""
	}
	dbKey := ""
	if serviceKey != "" {
		svc, ok := registry.Lookup(serviceKey)
		if !ok {
			return nil, fmt.Errorf("service %q: %w", serviceKey, ErrInvalidService)
		}
		dbKey = svc.DBKey
	}
	entries, err := q.store.ListQueueEntries(ctx, submittedBy, dbKey, account)
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(entries))
	for _, e := range entries {
		v, err := buildView(e, nil)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// RecoverStuck marks entries stranded in approved or executing by a crash
// as failed with an explanatory result. Called once at boot, before the
// HTTP edge starts accepting work.
func (q *Queue) RecoverStuck(ctx context.Context) error {
	stuckResult, err := json.Marshal([]executor.Result{{
		OK:     false,
		Status: 503,
		Body:   map[string]string{"error": "gateway restarted before the batch finished"},
	}})
	if err != nil {
		return fmt.Errorf("encode recovery result: %w", err)
	}

	approved, err := q.store.ListQueueEntriesByStatus(ctx, "approved")
	if err != nil {
		return err
	}
	for _, e := range approved {
		if err := q.store.MarkQueueExecuting(ctx, e.ID); err != nil {
			return err
		}
		if err := q.store.MarkQueueFailed(ctx, e.ID, string(stuckResult)); err != nil {
			return err
		}
		slog.Warn("failed stranded queue entry", "id", e.ID, "was", "approved")
	}

	executing, err := q.store.ListQueueEntriesByStatus(ctx, "executing")
	if err != nil {
		return err
	}
	for _, e := range executing {
		if err := q.store.MarkQueueFailed(ctx, e.ID, string(stuckResult)); err != nil {
			return err
		}
		slog.Warn("failed stranded queue entry", "id", e.ID, "was", "executing")
	}
	return nil
}

// notifySubmitter tells the submitting agent about a terminal transition.
func (q *Queue) notifySubmitter(ctx context.Context, id, status string, resultCount int) {
	entry, err := q.store.GetQueueEntry(ctx, id)
	if err != nil {
		return
	}
	submitter, err := q.store.GetAgentByName(ctx, entry.SubmittedBy)
	if err != nil || !submitter.HasWebhook() {
		return
	}
	q.webhook.SendBestEffort(ctx, submitter.WebhookURL.String, submitter.WebhookToken.String, notify.Event{
		Type: "queue." + status,
		Text: fmt.Sprintf("queue entry %s is %s", id, status),
		Fields: map[string]any{
			"queue_id":     id,
			"status":       status,
			"result_count": resultCount,
		},
	})
}

func decodeEntry(entry *store.QueueEntry) (*registry.Service, []executor.Request, error) {
	var svc *registry.Service
	for _, s := range registry.All() {
		if s.DBKey == entry.Service {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, nil, fmt.Errorf("entry %s references unknown service %q: %w",
			entry.ID, entry.Service, ErrInvalidService)
	}
	var reqs []executor.Request
	if err := json.Unmarshal([]byte(entry.RequestsJSON), &reqs); err != nil {
		return nil, nil, fmt.Errorf("decode requests for %s: %w", entry.ID, err)
	}
	return svc, reqs, nil
}

func buildView(entry *store.QueueEntry, warnings []*store.QueueWarning) (*View, error) {
	var reqs []executor.Request
	if err := json.Unmarshal([]byte(entry.RequestsJSON), &reqs); err != nil {
		return nil, fmt.Errorf("decode requests for %s: %w", entry.ID, err)
	}
	v := &View{
		ID:              entry.ID,
		Service:         entry.Service,
		AccountName:     entry.AccountName,
		Requests:        reqs,
		Comment:         entry.Comment,
		SubmittedBy:     entry.SubmittedBy,
		SubmittedAt:     entry.SubmittedAt,
		Status:          entry.Status,
		ReviewedAt:      entry.ReviewedAt,
		RejectionReason: entry.RejectionReason,
		CompletedAt:     entry.CompletedAt,
		AutoApproved:    entry.AutoApproved,
		Warnings:        warnings,
	}
	if entry.ResultsJSON != nil {
		if err := json.Unmarshal([]byte(*entry.ResultsJSON), &v.Results); err != nil {
			return nil, fmt.Errorf("decode results for %s: %w", entry.ID, err)
		}
	}
	return v, nil
}
