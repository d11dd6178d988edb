package queue_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/gate/access"
	"github.com/agentgate/agentgate/internal/gate/executor"
	"github.com/agentgate/agentgate/internal/gate/notify"
	"github.com/agentgate/agentgate/internal/gate/queue"
	"github.com/agentgate/agentgate/internal/gate/settings"
	"github.com/agentgate/agentgate/internal/gate/store"
	"github.com/agentgate/agentgate/internal/gate/vault"
)

type harness struct {
	store    *store.Store
	settings *settings.Settings
	access   *access.Resolver
	queue    *queue.Queue
	upstream *httptest.Server
}

// newHarness wires a queue against a mastodon credential pointing at the
// given upstream handler.
func newHarness(t *testing.T, upstream http.HandlerFunc) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "queue-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	v, err := vault.New(st, vault.Options{})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	err = v.SetCredential(context.Background(), "mastodon", "alice", map[string]string{
		"instance":     srv.URL,
		"access_token": "tok",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := settings.New(st)
	resolver := access.New(st)
	exec := executor.New(v, nil)
	q := queue.New(st, cfg, resolver, exec, notify.NewWebhook(time.Second), nil, nil)

	h := &harness{store: st, settings: cfg, access: resolver, queue: q, upstream: srv}
	h.addAgent(t, "ada")
	h.addAgent(t, "grace")
	return h
}

func (h *harness) addAgent(t *testing.T, name string) {
	t.Helper()
	a := &store.Agent{Name: name, KeyHash: "hash-" + name, KeyPrefix: "agk_", Enabled: true}
	if err := h.store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
}

func okUpstream(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(`{"id":"1"}`))
}

func post(path string) []executor.Request {
	return []executor.Request{{Method: "POST", Path: path, Body: json.RawMessage(`{"status":"hi"}`)}}
}

// waitTerminal polls until the entry leaves pending/approved/executing.
func waitTerminal(t *testing.T, h *harness, id string) *store.QueueEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := h.store.GetQueueEntry(context.Background(), id)
		if err != nil {
			t.Fatalf("GetQueueEntry: %v", err)
		}
		switch e.Status {
		case "completed", "failed", "rejected", "withdrawn":
			return e
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("entry never reached a terminal state")
	return nil
}

func TestSubmit_ValidationOrder(t *testing.T) {
	h := newHarness(t, okUpstream)
	ctx := context.Background()
	q := h.queue

	if _, err := q.Submit(ctx, "ada", "myspace", "alice", post("/x"), "c"); !errors.Is(err, queue.ErrInvalidService) {
		t.Errorf("unknown service: %v", err)
	}
	// Read-only services are not submittable.
	if _, err := q.Submit(ctx, "ada", "brave", "alice", post("/x"), "c"); !errors.Is(err, queue.ErrInvalidService) {
		t.Errorf("read-only service: %v", err)
	}
	if _, err := q.Submit(ctx, "ada", "mastodon", "nobody", post("/x"), "c"); !errors.Is(err, queue.ErrAccountNotConfigured) {
		t.Errorf("missing credential: %v", err)
	}

	err := h.access.SetPolicy(ctx, &store.AccessPolicy{
		Service: "mastodon", AccountName: "alice", Mode: "allowlist", AgentList: []string{"grace"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(ctx, "ada", "mastodon", "alice", post("/x"), "c"); !errors.Is(err, queue.ErrAccessDenied) {
		t.Errorf("access denied: %v", err)
	}

	// Shape checks come after access.
	if _, err := q.Submit(ctx, "grace", "mastodon", "alice", nil, "c"); !errors.Is(err, queue.ErrBadRequest) {
		t.Errorf("empty requests: %v", err)
	}
	if _, err := q.Submit(ctx, "grace", "mastodon", "alice", post("/x"), "  "); !errors.Is(err, queue.ErrBadRequest) {
		t.Errorf("missing comment: %v", err)
	}
	bad := []executor.Request{{Method: "GET", Path: "/x"}}
	if _, err := q.Submit(ctx, "grace", "mastodon", "alice", bad, "c"); !errors.Is(err, queue.ErrBadRequest) {
		t.Errorf("GET method: %v", err)
	}
	noPath := []executor.Request{{Method: "POST"}}
	if _, err := q.Submit(ctx, "grace", "mastodon", "alice", noPath, "c"); !errors.Is(err, queue.ErrBadRequest) {
		t.Errorf("missing path: %v", err)
	}
	blocked := []executor.Request{{Method: "POST", Path: "/api/v1/admin/accounts/1/action"}}
	if _, err := q.Submit(ctx, "grace", "mastodon", "alice", blocked, "c"); !errors.Is(err, queue.ErrPathBlocked) {
		t.Errorf("denylisted path: %v", err)
	}
}

func TestSubmit_ApproveExecutes(t *testing.T) {
	h := newHarness(t, okUpstream)
	ctx := context.Background()

	res, err := h.queue.Submit(ctx, "ada", "mastodon", "alice",
		[]executor.Request{{Method: "post", Path: "/api/v1/statuses", Body: json.RawMessage(`{"status":"hi"}`)}},
		"posting hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != "pending" || res.ID == "" || res.Bypassed {
		t.Fatalf("unexpected submit result: %+v", res)
	}

	// Method was normalized to upper case on the stored entry.
	view, err := h.queue.Status(ctx, res.ID, "mastodon", "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Requests[0].Method != "POST" {
		t.Errorf("method not normalized: %q", view.Requests[0].Method)
	}

	if err := h.queue.Approve(ctx, res.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	e := waitTerminal(t, h, res.ID)
	if e.Status != "completed" {
		t.Fatalf("expected completed, got %q", e.Status)
	}

	view, err = h.queue.Status(ctx, res.ID, "", "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(view.Results) != 1 || !view.Results[0].OK || view.Results[0].Status != http.StatusCreated {
		t.Errorf("unexpected results: %+v", view.Results)
	}
}

func TestSubmit_BypassRunsInline(t *testing.T) {
	h := newHarness(t, okUpstream)
	ctx := context.Background()

	if err := h.access.SetBypass(ctx, "mastodon", "alice", "ada", true); err != nil {
		t.Fatal(err)
	}

	res, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", post("/api/v1/statuses"), "trusted")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Bypassed || res.Status != "completed" {
		t.Fatalf("expected inline completed with bypassed, got %+v", res)
	}
	if len(res.Results) != 1 || !res.Results[0].OK {
		t.Errorf("unexpected results: %+v", res.Results)
	}

	view, err := h.queue.Status(ctx, res.ID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !view.AutoApproved {
		t.Error("bypass must record the auto-approved audit flag")
	}
}

func TestExecute_StopOnFailureAligned(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			http.Error(w, `{"error":"nope"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	reqs := []executor.Request{
		{Method: "POST", Path: "/ok"},
		{Method: "POST", Path: "/bad"},
		{Method: "POST", Path: "/after"},
	}
	res, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", reqs, "c")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Approve(ctx, res.ID); err != nil {
		t.Fatal(err)
	}
	e := waitTerminal(t, h, res.ID)
	if e.Status != "failed" {
		t.Fatalf("expected failed, got %q", e.Status)
	}

	view, err := h.queue.Status(ctx, res.ID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Results) != 2 {
		t.Fatalf("results should truncate at first failure: %+v", view.Results)
	}
	if !view.Results[0].OK || view.Results[1].OK || view.Results[1].Status != http.StatusNotFound {
		t.Errorf("unexpected results: %+v", view.Results)
	}
}

func TestWithdraw_Rules(t *testing.T) {
	h := newHarness(t, okUpstream)
	ctx := context.Background()

	res, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", post("/x"), "c")
	if err != nil {
		t.Fatal(err)
	}

	if err := h.queue.Withdraw(ctx, res.ID, "grace", ""); !errors.Is(err, queue.ErrNotSubmitter) {
		t.Errorf("other agent withdraw: %v", err)
	}

	if err := h.settings.SetAgentWithdrawEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Withdraw(ctx, res.ID, "ada", ""); !errors.Is(err, queue.ErrWithdrawDisabled) {
		t.Errorf("disabled withdraw: %v", err)
	}
	if err := h.settings.SetAgentWithdrawEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}

	if err := h.queue.Withdraw(ctx, res.ID, "Ada", "changed my mind"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	// Approval after withdrawal loses the race.
	if err := h.queue.Approve(ctx, res.ID); !errors.Is(err, store.ErrIllegalState) {
		t.Errorf("approve after withdraw: %v", err)
	}
}

func TestWarn_Rules(t *testing.T) {
	webhookHits := make(chan map[string]any, 1)
	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		webhookHits <- payload
	}))
	defer webhookSrv.Close()

	h := newHarness(t, okUpstream)
	ctx := context.Background()

	// Give the submitter a webhook so the warning notification has a target.
	err := h.store.UpdateAgentProfile(ctx, "ada",
		sql.NullString{},
		sql.NullString{String: webhookSrv.URL, Valid: true},
		sql.NullString{String: "hook-tok", Valid: true},
		true, false)
	if err != nil {
		t.Fatalf("UpdateAgentProfile: %v", err)
	}

	res, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", post("/x"), "c")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.queue.Warn(ctx, res.ID, "ada", "careful"); !errors.Is(err, queue.ErrNotSubmitter) {
		t.Errorf("self warn: %v", err)
	}
	if _, err := h.queue.Warn(ctx, res.ID, "grace", " "); !errors.Is(err, queue.ErrBadRequest) {
		t.Errorf("empty warning: %v", err)
	}

	id, err := h.queue.Warn(ctx, res.ID, "grace", "this posts publicly")
	if err != nil {
		t.Fatalf("Warn: %v", err)
	}
	if id == 0 {
		t.Error("expected warning id")
	}

	select {
	case payload := <-webhookHits:
		if payload["type"] != "queue.warning" || payload["warned_by"] != "grace" {
			t.Errorf("unexpected webhook payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("submitter webhook never called")
	}

	ws, err := h.queue.Warnings(ctx, res.ID)
	if err != nil || len(ws) != 1 {
		t.Fatalf("Warnings: %v, %d", err, len(ws))
	}

	// Warnings only attach to pending entries.
	if err := h.queue.Reject(ctx, res.ID, "too risky"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.Warn(ctx, res.ID, "grace", "late"); !errors.Is(err, store.ErrIllegalState) {
		t.Errorf("warn on terminal entry: %v", err)
	}
}

func TestList_SharedVisibility(t *testing.T) {
	h := newHarness(t, okUpstream)
	ctx := context.Background()

	if _, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", post("/a"), "c"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.Submit(ctx, "grace", "mastodon", "alice", post("/b"), "c"); err != nil {
		t.Fatal(err)
	}

	views, err := h.queue.List(ctx, "ada", "", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 1 || views[0].SubmittedBy != "ada" {
		t.Errorf("private visibility should scope to submitter: %+v", views)
	}

	if err := h.settings.SetSharedQueueVisibility(ctx, true); err != nil {
		t.Fatal(err)
	}
	views, err = h.queue.List(ctx, "ada", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Errorf("shared visibility should include all entries, got %d", len(views))
	}

	// Service filter uses the public key, stored under the DBKey.
	views, err = h.queue.List(ctx, "ada", "mastodon", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Errorf("service filter: got %d", len(views))
	}
}

func TestRecoverStuck(t *testing.T) {
	h := newHarness(t, okUpstream)
	ctx := context.Background()

	r1, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", post("/x"), "c")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", post("/y"), "c")
	if err != nil {
		t.Fatal(err)
	}
	r3, err := h.queue.Submit(ctx, "ada", "mastodon", "alice", post("/z"), "c")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after approval and mid-execution.
	if err := h.store.MarkQueueApproved(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.store.MarkQueueApproved(ctx, r2.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.store.MarkQueueExecuting(ctx, r2.ID); err != nil {
		t.Fatal(err)
	}

	if err := h.queue.RecoverStuck(ctx); err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}

	for _, id := range []string{r1.ID, r2.ID} {
		e, err := h.store.GetQueueEntry(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if e.Status != "failed" || e.ResultsJSON == nil {
			t.Errorf("entry %s: status %q, results %v", id, e.Status, e.ResultsJSON)
		}
	}
	// Pending entries are untouched.
	e, err := h.store.GetQueueEntry(ctx, r3.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != "pending" {
		t.Errorf("pending entry touched: %q", e.Status)
	}
}
