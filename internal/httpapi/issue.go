/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/devflow/orchestrator/internal/issuecontroller"
	"github.com/go-chi/chi/v5"
)

const defaultLogLimit = 20

// handleAssignAgent serves POST /issues/{id}/assign-agent (spec.md §6).
func (s *Server) handleAssignAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req issuecontroller.AssignAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctrl, err := s.issueController(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result, err := ctrl.AssignAgent(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": result.State, "agent": result.Agent})
}

// handleIssueState serves GET /issues/{id}/state.
func (s *Server) handleIssueState(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.issueController(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.State())
}

// handleIssueCancel serves POST /issues/{id}/cancel.
func (s *Server) handleIssueCancel(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.issueController(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state, err := ctrl.Cancel(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{Ok: true, State: state})
}

// handleIssueLogs serves GET /issues/{id}/logs.
func (s *Server) handleIssueLogs(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.issueController(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	n := defaultLogLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	logs, err := ctrl.Logs(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleIssueTransitions serves GET /issues/{id}/transitions.
func (s *Server) handleIssueTransitions(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.issueController(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	transitions, err := ctrl.Transitions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

// handleIssueEvents serves GET /issues/{id}/events/{session_id}.
func (s *Server) handleIssueEvents(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.issueController(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	events, err := ctrl.Events(chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleIssueWS serves the streaming upgrade on /issues/{id}/ws: it
// emits a state snapshot on attach, then one agent_event message per
// broadcast (spec.md §4.4 "Real-time subscribers", §6).
func (s *Server) handleIssueWS(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.issueController(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, snapshot := ctrl.Attach()
	defer ctrl.Detach(ch)

	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}
	for msg := range readUntilClosed(r.Context(), conn, ch) {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
