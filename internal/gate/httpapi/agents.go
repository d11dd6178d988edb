package httpapi

import (
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var req struct {
		ToAgent string `json:"to_agent"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}
	msg, err := s.messaging.Send(r.Context(), agent.Name, req.ToAgent, req.Message)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": msg.ID, "status": msg.Status})
}

func (s *Server) handleMessagesList(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	unreadOnly := r.URL.Query().Get("unread") == "true"
	msgs, err := s.messaging.Inbox(r.Context(), agent.Name, unreadOnly)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMessageRead(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad-request", "message id must be an integer")
		return
	}
	if err := s.messaging.MarkRead(r.Context(), agent.Name, id); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	status, err := s.messaging.AgentStatus(r.Context(), agent.Name)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMessageable(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	names, err := s.messaging.Messageable(r.Context(), agent.Name)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": names})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}
	res, err := s.messaging.Broadcast(r.Context(), agent.Name, req.Message)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMementoSave(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var req struct {
		Content  string   `json:"content"`
		Keywords []string `json:"keywords"`
		Model    *string  `json:"model"`
		Role     *string  `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}
	m, err := s.mementos.Save(r.Context(), agent.ID, req.Content, req.Keywords, req.Model, req.Role)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": m.ID, "created_at": m.CreatedAt})
}

func (s *Server) handleMementoKeywords(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	kw, err := s.mementos.Keywords(r.Context(), agent.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": kw})
}

func (s *Server) handleMementoSearch(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	keywords := splitList(r.URL.Query().Get("keywords"))
	if len(keywords) == 0 {
		writeErr(w, http.StatusBadRequest, "bad-request", "keywords query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := s.mementos.Search(r.Context(), agent.ID, keywords, limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleMementoRecent(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	metas, err := s.mementos.Recent(r.Context(), agent.ID, limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mementos": metas})
}

// handleMementoByIDs serves GET /api/agents/memento/{ids} where ids is a
// comma-separated list.
func (s *Server) handleMementoByIDs(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var ids []int64
	for _, part := range splitList(r.PathValue("ids")) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad-request", "ids must be integers")
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		writeErr(w, http.StatusBadRequest, "bad-request", "at least one id is required")
		return
	}
	mementos, err := s.mementos.GetByIDs(r.Context(), agent.ID, ids)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(mementos))
	for _, m := range mementos {
		out = append(out, map[string]any{
			"id":         m.ID,
			"content":    m.Content,
			"keywords":   m.Stems,
			"model":      m.Model,
			"role":       m.Role,
			"created_at": m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"mementos": out})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
