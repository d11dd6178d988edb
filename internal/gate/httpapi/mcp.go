package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/agentgate/agentgate/internal/gate/session"
	"github.com/agentgate/agentgate/internal/gate/store"
	"github.com/agentgate/agentgate/internal/gate/tools"
)

// sessionHeader carries the session id on every MCP request after
// initialize.
const sessionHeader = "Mcp-Session-Id"

// handleMCP is the tool-dispatch endpoint: POST carries JSON-RPC messages
// (initialize opens a session), GET opens the server-to-client notification
// stream, DELETE terminates the session.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMCPPost(w, r)
	case http.MethodGet:
		s.handleMCPStream(w, r)
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, "bad-request", "unsupported method")
	}
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad-request", "read body: "+err.Error())
		return
	}
	r.Body.Close()

	var req tools.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, tools.NewError(&tools.Request{}, tools.CodeParseError, "invalid JSON"))
		return
	}

	// initialize is the only method allowed without a session header.
	if req.Method == "initialize" {
		entry, err := s.sessions.Create(r.Context(), agent.Name)
		if err != nil {
			fail(w, err)
			return
		}
		w.Header().Set(sessionHeader, entry.ID)
		writeJSON(w, http.StatusOK, tools.NewResult(&req, s.dispatcher.Initialize()))
		return
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeErr(w, http.StatusBadRequest, "bad-request", "missing "+sessionHeader+" header")
		return
	}
	entry, err := s.sessions.Resolve(r.Context(), id, agent.Name)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.sessions.Touch(r.Context(), entry); err != nil {
		fail(w, err)
		return
	}

	switch req.Method {
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "ping":
		writeJSON(w, http.StatusOK, tools.NewResult(&req, struct{}{}))
	case "tools/list":
		list, err := s.dispatcher.ListTools(r.Context(), agent.Name)
		if err != nil {
			writeJSON(w, http.StatusOK, tools.NewError(&req, tools.CodeInternalError, err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, tools.NewResult(&req, tools.ListToolsResult{Tools: list}))
	case "tools/call":
		var params tools.CallToolParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				writeJSON(w, http.StatusOK, tools.NewError(&req, tools.CodeInvalidParams, err.Error()))
				return
			}
		}
		result, err := s.dispatcher.Call(r.Context(), agent.Name, params)
		if err != nil {
			code := tools.CodeInternalError
			if errors.Is(err, tools.ErrUnknownTool) {
				code = tools.CodeInvalidParams
			}
			writeJSON(w, http.StatusOK, tools.NewError(&req, code, err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, tools.NewResult(&req, result))
	default:
		writeJSON(w, http.StatusOK, tools.NewError(&req, tools.CodeMethodNotFound,
			fmt.Sprintf("method %q not supported", req.Method)))
	}
}

// handleMCPStream holds the connection open and forwards queued session
// notifications as SSE events until the session or client goes away.
func (s *Server) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeErr(w, http.StatusBadRequest, "bad-request", "missing "+sessionHeader+" header")
		return
	}
	entry, err := s.sessions.Resolve(r.Context(), id, agent.Name)
	if err != nil {
		fail(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-entry.Done():
			return
		case payload := <-entry.Notifications():
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeErr(w, http.StatusBadRequest, "bad-request", "missing "+sessionHeader+" header")
		return
	}
	// Resolve first so one agent cannot terminate another's session.
	if _, err := s.sessions.Resolve(r.Context(), id, agent.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if errors.Is(err, session.ErrWrongAgent) {
			fail(w, err)
			return
		}
		fail(w, err)
		return
	}
	if err := s.sessions.Kill(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
