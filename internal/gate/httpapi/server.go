// Package httpapi is the HTTP edge of the gateway: bearer authentication,
// the GET-only read proxy, queue and agent routes, the inbound GitHub
// webhook, and the MCP tool-dispatch endpoint.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/agentgate/common/trace"
	"github.com/agentgate/agentgate/internal/gate/access"
	"github.com/agentgate/agentgate/internal/gate/executor"
	"github.com/agentgate/agentgate/internal/gate/memento"
	"github.com/agentgate/agentgate/internal/gate/messaging"
	"github.com/agentgate/agentgate/internal/gate/notify"
	"github.com/agentgate/agentgate/internal/gate/observability"
	"github.com/agentgate/agentgate/internal/gate/queue"
	"github.com/agentgate/agentgate/internal/gate/registry"
	"github.com/agentgate/agentgate/internal/gate/session"
	"github.com/agentgate/agentgate/internal/gate/settings"
	"github.com/agentgate/agentgate/internal/gate/store"
	"github.com/agentgate/agentgate/internal/gate/tools"
)

// Server holds the edge's dependencies and builds the route table.
type Server struct {
	store      *store.Store
	settings   *settings.Settings
	access     *access.Resolver
	queue      *queue.Queue
	messaging  *messaging.Messaging
	mementos   *memento.Store
	exec       *executor.Executor
	dispatcher *tools.Dispatcher
	sessions   *session.Manager
	webhook    *notify.Webhook
	denylist   *registry.Denylist
}

// Options groups the constructor dependencies.
type Options struct {
	Store      *store.Store
	Settings   *settings.Settings
	Access     *access.Resolver
	Queue      *queue.Queue
	Messaging  *messaging.Messaging
	Mementos   *memento.Store
	Executor   *executor.Executor
	Dispatcher *tools.Dispatcher
	Sessions   *session.Manager
	Webhook    *notify.Webhook
	Denylist   *registry.Denylist
}

// New builds the edge. Denylist may be nil for the compiled-in defaults.
func New(opts Options) *Server {
	denylist := opts.Denylist
	if denylist == nil {
		denylist = registry.DefaultDenylist()
	}
	return &Server{
		store:      opts.Store,
		settings:   opts.Settings,
		access:     opts.Access,
		queue:      opts.Queue,
		messaging:  opts.Messaging,
		mementos:   opts.Mementos,
		exec:       opts.Executor,
		dispatcher: opts.Dispatcher,
		sessions:   opts.Sessions,
		webhook:    opts.Webhook,
		denylist:   denylist,
	}
}

// Handler builds the route table. /api is bearer-authenticated; /webhooks
// authenticates by signature instead.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/queue/list", s.handleQueueList)
	api.HandleFunc("POST /api/queue/{service}/{account}/submit", s.handleQueueSubmit)
	api.HandleFunc("GET /api/queue/{service}/{account}/list", s.handleQueueList)
	api.HandleFunc("GET /api/queue/{service}/{account}/status/{id}", s.handleQueueStatus)
	api.HandleFunc("DELETE /api/queue/{service}/{account}/status/{id}", s.handleQueueWithdraw)

	api.HandleFunc("POST /api/agents/message", s.handleMessageSend)
	api.HandleFunc("GET /api/agents/messages", s.handleMessagesList)
	api.HandleFunc("POST /api/agents/messages/{id}/read", s.handleMessageRead)
	api.HandleFunc("GET /api/agents/status", s.handleAgentStatus)
	api.HandleFunc("GET /api/agents/messageable", s.handleMessageable)
	api.HandleFunc("POST /api/agents/broadcast", s.handleBroadcast)

	api.HandleFunc("POST /api/agents/memento", s.handleMementoSave)
	api.HandleFunc("GET /api/agents/memento/keywords", s.handleMementoKeywords)
	api.HandleFunc("GET /api/agents/memento/search", s.handleMementoSearch)
	api.HandleFunc("GET /api/agents/memento/recent", s.handleMementoRecent)
	api.HandleFunc("GET /api/agents/memento/{ids}", s.handleMementoByIDs)

	// The read proxy is the catch-all under /api: GET only, everything
	// else under a service prefix is 405.
	api.HandleFunc("/api/{service}/{account}/{path...}", s.handleProxy)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(api))
	mux.Handle("/mcp", s.authMiddleware(http.HandlerFunc(s.handleMCP)))
	mux.HandleFunc("POST /webhooks/github", s.handleGitHubWebhook)
	return traceMiddleware(mux)
}

// traceMiddleware stamps every request with a trace ID so log lines from the
// subsystems it fans into can be correlated.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := trace.WithTraceID(r.Context(), trace.GenerateID())
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		observability.WithTrace(ctx).Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type ctxKey int

const agentKey ctxKey = iota

// agentFrom returns the authenticated agent stored by the middleware.
func agentFrom(r *http.Request) *store.Agent {
	return r.Context().Value(agentKey).(*store.Agent)
}

// HashKey returns the SHA-256 hex digest under which bearer keys are stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authMiddleware resolves the bearer key to an enabled agent row and stores
// it in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "missing bearer key")
			return
		}
		key := strings.TrimSpace(auth[len("Bearer "):])
		agent, err := s.store.GetAgentByKeyHash(r.Context(), HashKey(key))
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "invalid bearer key")
			return
		}
		if !agent.Enabled {
			writeErr(w, http.StatusForbidden, "forbidden", "agent disabled")
			return
		}
		ctx := context.WithValue(r.Context(), agentKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeErr emits the {error, message} body every failure path uses.
func writeErr(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// fail maps a subsystem error to its HTTP status and error kind.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, queue.ErrAccountNotConfigured):
		writeErr(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, store.ErrIllegalState):
		writeErr(w, http.StatusConflict, "illegal-state", err.Error())
	case errors.Is(err, queue.ErrAccessDenied),
		errors.Is(err, queue.ErrPathBlocked),
		errors.Is(err, queue.ErrWithdrawDisabled),
		errors.Is(err, queue.ErrNotSubmitter),
		errors.Is(err, messaging.ErrDisabled),
		errors.Is(err, messaging.ErrRecipientDisabled),
		errors.Is(err, session.ErrWrongAgent):
		writeErr(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, queue.ErrInvalidService),
		errors.Is(err, queue.ErrBadRequest),
		errors.Is(err, messaging.ErrSelfSend),
		errors.Is(err, messaging.ErrBodyTooLarge),
		errors.Is(err, memento.ErrContentTooLarge),
		errors.Is(err, memento.ErrTooManyKeywords),
		errors.Is(err, memento.ErrNoKeywords),
		errors.Is(err, memento.ErrTooManyIDs),
		errors.Is(err, settings.ErrBadValue):
		writeErr(w, http.StatusBadRequest, "bad-request", err.Error())
	case errors.Is(err, session.ErrLimitExceeded):
		writeErr(w, http.StatusServiceUnavailable, "conflict", err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// decodeBody reads a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
