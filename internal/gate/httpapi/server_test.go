package httpapi_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/gate/access"
	"github.com/agentgate/agentgate/internal/gate/executor"
	"github.com/agentgate/agentgate/internal/gate/httpapi"
	"github.com/agentgate/agentgate/internal/gate/memento"
	"github.com/agentgate/agentgate/internal/gate/messaging"
	"github.com/agentgate/agentgate/internal/gate/notify"
	"github.com/agentgate/agentgate/internal/gate/queue"
	"github.com/agentgate/agentgate/internal/gate/session"
	"github.com/agentgate/agentgate/internal/gate/settings"
	"github.com/agentgate/agentgate/internal/gate/store"
	"github.com/agentgate/agentgate/internal/gate/tools"
	"github.com/agentgate/agentgate/internal/gate/vault"
)

type harness struct {
	store    *store.Store
	settings *settings.Settings
	access   *access.Resolver
	vault    *vault.Vault
	sessions *session.Manager
	edge     *httptest.Server
	upstream *httptest.Server
	keys     map[string]string
}

func newHarness(t *testing.T, upstream http.HandlerFunc) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "httpapi-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	v, err := vault.New(st, vault.Options{})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	cfg := settings.New(st)
	resolver := access.New(st)
	exec := executor.New(v, nil)
	webhook := notify.NewWebhook(time.Second)
	q := queue.New(st, cfg, resolver, exec, webhook, nil, nil)
	msg := messaging.New(st, cfg, webhook, nil)
	mem := memento.New(st)
	dispatcher := tools.New(st, q, msg, mem, resolver, exec, nil, "test")
	sessions := session.NewManager(st, 0, 0)

	srv := httpapi.New(httpapi.Options{
		Store:      st,
		Settings:   cfg,
		Access:     resolver,
		Queue:      q,
		Messaging:  msg,
		Mementos:   mem,
		Executor:   exec,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Webhook:    webhook,
	})
	edge := httptest.NewServer(srv.Handler())
	t.Cleanup(edge.Close)

	h := &harness{
		store: st, settings: cfg, access: resolver, vault: v,
		sessions: sessions, edge: edge, upstream: up,
		keys: map[string]string{},
	}
	h.addAgent(t, "ada", "")
	h.addAgent(t, "grace", "")
	return h
}

func (h *harness) addAgent(t *testing.T, name, webhookURL string) {
	t.Helper()
	key := "agk_" + name + "_secret"
	a := &store.Agent{Name: name, KeyHash: httpapi.HashKey(key), KeyPrefix: "agk_", Enabled: true}
	if webhookURL != "" {
		a.WebhookURL = sql.NullString{String: webhookURL, Valid: true}
	}
	if err := h.store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	h.keys[name] = key
}

func (h *harness) addMastodon(t *testing.T) {
	t.Helper()
	err := h.vault.SetCredential(context.Background(), "mastodon", "alice", map[string]string{
		"instance":     h.upstream.URL,
		"access_token": "tok",
	})
	if err != nil {
		t.Fatal(err)
	}
}

// do sends a request as the named agent; agent "" leaves off the bearer key.
func (h *harness) do(t *testing.T, agent, method, path string, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.edge.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if agent != "" {
		req.Header.Set("Authorization", "Bearer "+h.keys[agent])
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return out
}

func okUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
}

func TestAuth(t *testing.T) {
	h := newHarness(t, okUpstream)

	resp, raw := h.do(t, "", "GET", "/api/queue/list", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: %d %s", resp.StatusCode, raw)
	}
	if decode(t, raw)["error"] != "unauthorized" {
		t.Errorf("error kind: %s", raw)
	}

	h.keys["mallory"] = "agk_wrong"
	resp, _ = h.do(t, "mallory", "GET", "/api/queue/list", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key: %d", resp.StatusCode)
	}

	resp, _ = h.do(t, "ada", "GET", "/api/queue/list", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid key: %d", resp.StatusCode)
	}
}

func TestProxy(t *testing.T) {
	h := newHarness(t, okUpstream)
	h.addMastodon(t)

	resp, raw := h.do(t, "ada", "GET", "/api/mastodon/alice/api/v1/timelines/home?limit=5", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy read: %d %s", resp.StatusCode, raw)
	}
	if decode(t, raw)["path"] != "/api/v1/timelines/home" {
		t.Errorf("upstream path: %s", raw)
	}

	// Writes never pass through the proxy.
	resp, raw = h.do(t, "ada", "POST", "/api/mastodon/alice/api/v1/statuses", `{}`, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("proxy POST: %d %s", resp.StatusCode, raw)
	}

	resp, raw = h.do(t, "ada", "GET", "/api/mastodon/alice/api/v1/admin/accounts", "", nil)
	if resp.StatusCode != http.StatusForbidden || decode(t, raw)["error"] != "forbidden" {
		t.Errorf("blocked path: %d %s", resp.StatusCode, raw)
	}

	resp, _ = h.do(t, "ada", "GET", "/api/myspace/alice/feed", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown service: %d", resp.StatusCode)
	}

	err := h.access.SetPolicy(context.Background(), &store.AccessPolicy{
		Service: "mastodon", AccountName: "alice", Mode: "allowlist", AgentList: []string{"grace"},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = h.do(t, "ada", "GET", "/api/mastodon/alice/api/v1/timelines/home", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("access denied: %d", resp.StatusCode)
	}
}

func TestProxy_VerbatimPassthrough(t *testing.T) {
	ics := "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"
	big := bytes.Repeat([]byte("x"), 300*1024)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/export.ics":
			w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
			w.Write([]byte(ics))
		case "/archive":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(big)
		case "/missing":
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("no such record"))
		}
	})
	h.addMastodon(t)

	// Non-JSON bodies come back byte-for-byte, not re-encoded as a JSON
	// string, with the upstream Content-Type intact.
	resp, raw := h.do(t, "ada", "GET", "/api/mastodon/alice/export.ics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("calendar read: %d %s", resp.StatusCode, raw)
	}
	if string(raw) != ics {
		t.Errorf("body altered: %q", raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("content type: %q", ct)
	}

	// Large bodies are not truncated.
	resp, raw = h.do(t, "ada", "GET", "/api/mastodon/alice/archive", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive read: %d", resp.StatusCode)
	}
	if !bytes.Equal(raw, big) {
		t.Errorf("archive body: got %d bytes, want %d", len(raw), len(big))
	}

	// Upstream errors pass through untouched too.
	resp, raw = h.do(t, "ada", "GET", "/api/mastodon/alice/missing", "", nil)
	if resp.StatusCode != http.StatusNotFound || string(raw) != "no such record" {
		t.Errorf("upstream 404: %d %q", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("error content type: %q", ct)
	}
}

func TestQueueRoutes(t *testing.T) {
	h := newHarness(t, okUpstream)
	h.addMastodon(t)
	ctx := context.Background()

	resp, raw := h.do(t, "ada", "POST", "/api/queue/mastodon/alice/submit",
		`{"requests":[{"method":"POST","path":"/api/v1/statuses","body":{"status":"hi"}}],"comment":"greet"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, raw)
	}
	body := decode(t, raw)
	id := body["id"].(string)
	if body["status"] != "pending" {
		t.Errorf("submit body: %s", raw)
	}

	resp, raw = h.do(t, "ada", "POST", "/api/queue/mastodon/alice/submit",
		`{"requests":[],"comment":"c"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty requests: %d %s", resp.StatusCode, raw)
	}

	resp, raw = h.do(t, "ada", "GET", "/api/queue/mastodon/alice/status/"+id, "", nil)
	if resp.StatusCode != http.StatusOK || decode(t, raw)["status"] != "pending" {
		t.Errorf("status: %d %s", resp.StatusCode, raw)
	}
	// A mismatched account reports not-found.
	resp, _ = h.do(t, "ada", "GET", "/api/queue/mastodon/bob/status/"+id, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("mismatched status: %d", resp.StatusCode)
	}

	resp, raw = h.do(t, "ada", "GET", "/api/queue/list", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	if entries := decode(t, raw)["entries"].([]any); len(entries) != 1 {
		t.Errorf("list entries: %s", raw)
	}

	// Withdraw is operator-gated.
	if err := h.settings.SetAgentWithdrawEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	resp, raw = h.do(t, "ada", "DELETE", "/api/queue/mastodon/alice/status/"+id, `{"reason":"typo"}`, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("withdraw while disabled: %d %s", resp.StatusCode, raw)
	}
	if err := h.settings.SetAgentWithdrawEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	resp, raw = h.do(t, "ada", "DELETE", "/api/queue/mastodon/alice/status/"+id, `{"reason":"typo"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("withdraw: %d %s", resp.StatusCode, raw)
	}
	// A second withdraw finds a non-pending entry.
	resp, raw = h.do(t, "ada", "DELETE", "/api/queue/mastodon/alice/status/"+id, "", nil)
	if resp.StatusCode != http.StatusConflict || decode(t, raw)["error"] != "illegal-state" {
		t.Errorf("double withdraw: %d %s", resp.StatusCode, raw)
	}
}

func TestAgentRoutes(t *testing.T) {
	h := newHarness(t, okUpstream)
	ctx := context.Background()
	if err := h.settings.SetMessagingMode(ctx, settings.MessagingOpen); err != nil {
		t.Fatal(err)
	}

	resp, raw := h.do(t, "ada", "POST", "/api/agents/message",
		`{"to_agent":"grace","message":"hello"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: %d %s", resp.StatusCode, raw)
	}
	msgID := decode(t, raw)["id"].(float64)

	resp, raw = h.do(t, "grace", "GET", "/api/agents/messages?unread=true", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: %d", resp.StatusCode)
	}
	if msgs := decode(t, raw)["messages"].([]any); len(msgs) != 1 {
		t.Errorf("inbox: %s", raw)
	}

	resp, _ = h.do(t, "grace", "POST", "/api/agents/messages/"+jsonNum(msgID)+"/read", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("mark read: %d", resp.StatusCode)
	}
	resp, raw = h.do(t, "grace", "POST", "/api/agents/messages/"+jsonNum(msgID)+"/read", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second mark read: %d %s", resp.StatusCode, raw)
	}

	resp, raw = h.do(t, "grace", "GET", "/api/agents/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	status := decode(t, raw)
	if status["mode"] != "open" || status["unread_count"] != float64(0) {
		t.Errorf("status: %s", raw)
	}

	resp, raw = h.do(t, "ada", "GET", "/api/agents/messageable", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messageable: %d", resp.StatusCode)
	}
	if agents := decode(t, raw)["agents"].([]any); len(agents) != 1 || agents[0] != "grace" {
		t.Errorf("messageable: %s", raw)
	}
}

func TestMementoRoutes(t *testing.T) {
	h := newHarness(t, okUpstream)

	resp, raw := h.do(t, "ada", "POST", "/api/agents/memento",
		`{"content":"roll the canary slowly","keywords":["Deployments","canary"]}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save: %d %s", resp.StatusCode, raw)
	}
	id := decode(t, raw)["id"].(float64)

	resp, raw = h.do(t, "ada", "GET", "/api/agents/memento/search?keywords=deploying", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: %d", resp.StatusCode)
	}
	if hits := decode(t, raw)["results"].([]any); len(hits) != 1 {
		t.Errorf("search: %s", raw)
	}

	resp, raw = h.do(t, "ada", "GET", "/api/agents/memento/keywords", "", nil)
	kw := decode(t, raw)["keywords"].(map[string]any)
	if resp.StatusCode != http.StatusOK || len(kw) != 2 {
		t.Errorf("keywords: %d %s", resp.StatusCode, raw)
	}

	resp, raw = h.do(t, "ada", "GET", "/api/agents/memento/recent", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recent: %d", resp.StatusCode)
	}

	resp, raw = h.do(t, "ada", "GET", "/api/agents/memento/"+jsonNum(id), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get by ids: %d %s", resp.StatusCode, raw)
	}
	got := decode(t, raw)["mementos"].([]any)
	if len(got) != 1 || got[0].(map[string]any)["content"] != "roll the canary slowly" {
		t.Errorf("get by ids: %s", raw)
	}

	// Another agent cannot read it.
	resp, raw = h.do(t, "grace", "GET", "/api/agents/memento/"+jsonNum(id), "", nil)
	if got := decode(t, raw)["mementos"].([]any); len(got) != 0 {
		t.Errorf("cross-agent leak: %s", raw)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubWebhook(t *testing.T) {
	received := make(chan map[string]any, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
	}))
	defer hook.Close()

	h := newHarness(t, okUpstream)
	h.addAgent(t, "carol", hook.URL)
	ctx := context.Background()
	err := h.settings.SetWebhookSourceConfig(ctx, "github", &settings.WebhookSource{
		Secret: "topsecret",
		Events: []string{"push", "issues.opened"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ping := []byte(`{"zen":"Keep it logically awesome."}`)
	resp, raw := h.do(t, "", "POST", "/webhooks/github", string(ping), map[string]string{
		"X-GitHub-Event":      "ping",
		"X-Hub-Signature-256": sign("topsecret", ping),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping: %d %s", resp.StatusCode, raw)
	}
	pong := decode(t, raw)
	if pong["message"] != "pong" || pong["zen"] != "Keep it logically awesome." {
		t.Errorf("pong: %s", raw)
	}

	push := []byte(`{"ref":"refs/heads/main","repository":{"full_name":"octo/repo"}}`)

	resp, _ = h.do(t, "", "POST", "/webhooks/github", string(push), map[string]string{
		"X-GitHub-Event": "push",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing signature: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, "", "POST", "/webhooks/github", string(push), map[string]string{
		"X-GitHub-Event":      "push",
		"X-Hub-Signature-256": sign("wrong", push),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("bad signature: %d", resp.StatusCode)
	}

	resp, raw = h.do(t, "", "POST", "/webhooks/github", string(push), map[string]string{
		"X-GitHub-Event":      "push",
		"X-Hub-Signature-256": sign("topsecret", push),
		"X-GitHub-Delivery":   "d-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push: %d %s", resp.StatusCode, raw)
	}
	out := decode(t, raw)
	if out["delivered"] != float64(1) || out["failed"] != float64(0) {
		t.Errorf("fan-out counts: %s", raw)
	}
	select {
	case payload := <-received:
		if payload["event"] != "push" || payload["repo"] != "octo/repo" {
			t.Errorf("agent payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("agent webhook never called")
	}

	// Events outside the filter do not fan out.
	release := []byte(`{"action":"published"}`)
	resp, raw = h.do(t, "", "POST", "/webhooks/github", string(release), map[string]string{
		"X-GitHub-Event":      "release",
		"X-Hub-Signature-256": sign("topsecret", release),
	})
	out = decode(t, raw)
	if out["event"] != "release.published" || out["delivered"] != float64(0) {
		t.Errorf("filtered event: %s", raw)
	}

	log, err := h.store.ListWebhookLog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	outcomes := map[string]int{}
	for _, e := range log {
		outcomes[e.Outcome]++
	}
	if outcomes["pong"] != 1 || outcomes["delivered"] != 1 || outcomes["filtered"] != 1 {
		t.Errorf("webhook log outcomes: %v", outcomes)
	}
}

func TestMCPEndpoint(t *testing.T) {
	h := newHarness(t, okUpstream)
	h.addMastodon(t)

	resp, raw := h.do(t, "ada", "POST", "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"t","version":"1"}}}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: %d %s", resp.StatusCode, raw)
	}
	sid := resp.Header.Get("Mcp-Session-Id")
	if sid == "" {
		t.Fatal("no session id header")
	}
	init := decode(t, raw)
	if init["result"].(map[string]any)["serverInfo"].(map[string]any)["name"] != "agentgate" {
		t.Errorf("initialize result: %s", raw)
	}

	withSession := map[string]string{"Mcp-Session-Id": sid}

	resp, _ = h.do(t, "ada", "POST", "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, withSession)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("initialized notification: %d", resp.StatusCode)
	}

	resp, raw = h.do(t, "ada", "POST", "/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, withSession)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/list: %d %s", resp.StatusCode, raw)
	}
	list := decode(t, raw)["result"].(map[string]any)["tools"].([]any)
	if len(list) != 5 {
		t.Errorf("tool count: %d (%s)", len(list), raw)
	}

	resp, raw = h.do(t, "ada", "POST", "/mcp",
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"queue","arguments":{"action":"list"}}}`, withSession)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/call: %d %s", resp.StatusCode, raw)
	}
	call := decode(t, raw)["result"].(map[string]any)
	if call["isError"] == true {
		t.Errorf("tools/call result: %s", raw)
	}

	// The session binds to its agent.
	resp, raw = h.do(t, "grace", "POST", "/mcp", `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, withSession)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong agent: %d %s", resp.StatusCode, raw)
	}

	// No session header outside initialize.
	resp, _ = h.do(t, "ada", "POST", "/mcp", `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing header: %d", resp.StatusCode)
	}

	resp, _ = h.do(t, "ada", "DELETE", "/mcp", "", withSession)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("terminate: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, "ada", "POST", "/mcp", `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`, withSession)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("call after terminate: %d", resp.StatusCode)
	}
}

// jsonNum renders a decoded JSON number as a path segment.
func jsonNum(f float64) string {
	return strconv.FormatInt(int64(f), 10)
}
