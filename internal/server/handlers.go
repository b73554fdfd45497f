package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"ContextHub/internal/capability"
	"ContextHub/internal/gateway"
)

// statusFor maps a dispatch failure to an HTTP status.
func statusFor(err error) int {
	switch gateway.Classify(err) {
	case gateway.StatusContextNotFound:
		return http.StatusNotFound
	case gateway.StatusExternal:
		return http.StatusFailedDependency
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, gateway.Response{Error: "invalid JSON body"})
		return
	}
	req.Method = strings.TrimSpace(req.Method)
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, gateway.Response{Error: "method is required"})
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), req.Method, req.Params, req.SessionID)
	if err != nil {
		writeJSON(w, statusFor(err), gateway.Respond(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, gateway.Respond(result, nil))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := s.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, gateway.Response{Error: gateway.ErrContextNotFound.Error() + ": " + id})
		return
	}
	writeJSON(w, http.StatusOK, gateway.Respond(c, nil))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.store.Delete(id)
	s.logger.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status   string            `json:"status"`
	Sessions int               `json:"sessions"`
	Channels int               `json:"channels"`
	Tools    map[string]string `json:"tools,omitempty"`
}

// handleHealth always answers 200; a tool provider that failed its startup
// check only turns the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Sessions: s.store.Len(),
		Channels: s.registry.Len(),
	}
	if s.tools != nil {
		resp.Tools = s.tools.Health()
		for _, state := range resp.Tools {
			if state != capability.HealthHealthy {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
