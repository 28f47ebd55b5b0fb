package bridge

import (
	"encoding/json"
	"net/http"

	"claude-relay/internal/hookevent"
)

type decisionRequest struct {
	Decision hookevent.Decision `json:"decision"`
	Reason   string             `json:"reason,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.coord.Sessions()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := s.coord.Session(id)
	if sess == nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trail := s.coord.Audit(id)
	if len(trail) == 0 && s.coord.Session(id) == nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trail)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Decision != hookevent.DecisionApprove && req.Decision != hookevent.DecisionDeny {
		http.Error(w, `{"error":"decision must be approve or deny"}`, http.StatusBadRequest)
		return
	}

	if !s.gateway.Resolve(id, req.Decision, req.Reason) {
		http.Error(w, `{"error":"request already resolved or unknown"}`, http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"resolved"}`))
}
