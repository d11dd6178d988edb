package httpapi

import (
	"net/http"

	"github.com/agentgate/agentgate/internal/gate/executor"
)

type submitRequest struct {
	Requests []executor.Request `json:"requests"`
	Comment  string             `json:"comment"`
}

func (s *Server) handleQueueSubmit(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}
	res, err := s.queue.Submit(r.Context(), agent.Name,
		r.PathValue("service"), r.PathValue("account"), req.Requests, req.Comment)
	if err != nil {
		fail(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Bypassed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.queue.Status(r.Context(),
		r.PathValue("id"), r.PathValue("service"), r.PathValue("account"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	views, err := s.queue.List(r.Context(), agent.Name,
		r.PathValue("service"), r.PathValue("account"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (s *Server) handleQueueWithdraw(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional on withdraw.
	_ = decodeBody(r, &req)
	id := r.PathValue("id")
	if err := s.queue.Withdraw(r.Context(), id, agent.Name, req.Reason); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "withdrawn"})
}
