package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentgate/agentgate/internal/gate/executor"
	"github.com/agentgate/agentgate/internal/gate/registry"
)

// handleProxy is the GET-only read proxy: the upstream status, Content-Type,
// and body come back byte-for-byte, whatever the payload is; only
// gateway-side failures produce the {error, message} shape. X-Agentgate-Raw
// is accepted for parity with clients that request unsimplified payloads;
// the proxy always passes the upstream body through.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "forbidden",
			"only GET is proxied; writes go through the queue")
		return
	}
	agent := agentFrom(r)
	serviceKey := r.PathValue("service")
	account := r.PathValue("account")
	path := "/" + r.PathValue("path")

	svc, ok := registry.Lookup(serviceKey)
	if !ok {
		writeErr(w, http.StatusNotFound, "not-found", fmt.Sprintf("unknown service %q", serviceKey))
		return
	}
	allowed, err := s.access.Allowed(r.Context(), svc.DBKey, account, agent.Name)
	if err != nil {
		fail(w, err)
		return
	}
	if !allowed {
		writeErr(w, http.StatusForbidden, "forbidden",
			fmt.Sprintf("agent %q has no access to %s/%s", agent.Name, serviceKey, account))
		return
	}
	if s.denylist.Blocked(svc.Key, path) {
		writeErr(w, http.StatusForbidden, "forbidden",
			fmt.Sprintf("path %q is blocked on %s", path, serviceKey))
		return
	}

	resp, err := s.exec.Open(r.Context(), svc, account, path, r.URL.RawQuery)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrUnauthorized):
			writeErr(w, http.StatusUnauthorized, "unauthorized", err.Error())
		case errors.Is(err, executor.ErrBadRequest):
			writeErr(w, http.StatusBadRequest, "bad-request", err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already on the wire; nothing left to do but log.
		slog.Warn("proxy body copy interrupted",
			"service", serviceKey, "account", account, "err", err)
	}
}
