/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devflow/orchestrator/internal/prcontroller"
	"github.com/devflow/orchestrator/internal/rollback"
	"github.com/go-chi/chi/v5"
)

func prNumber(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "number"))
}

func splitRepoFullName(full string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok {
		return "", "", fmt.Errorf("httpapi: malformed repo full name %q", full)
	}
	return owner, repo, nil
}

// PREvent is the body of POST /prs/{number}/event (spec.md §6): a small
// discriminated union over the PR lifecycle actions a caller can drive
// through the generic event endpoint rather than a dedicated route.
type PREvent struct {
	Type string `json:"type"` // "opened" | "review_complete" | "close"

	Open *prcontroller.OpenRequest `json:"open,omitempty"`

	Decision string `json:"decision,omitempty"`
	Comment  string `json:"comment,omitempty"`

	Merged bool `json:"merged,omitempty"`
}

// handlePREvent serves POST /prs/{number}/event.
func (s *Server) handlePREvent(w http.ResponseWriter, r *http.Request) {
	number, err := prNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var ev PREvent
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctrl, err := s.prController(number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch ev.Type {
	case "opened":
		if ev.Open == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("httpapi: event type opened requires an open body"))
			return
		}
		if s.CMS != nil {
			owner, repo, splitErr := splitRepoFullName(ev.Open.RepoFullName)
			if splitErr != nil {
				writeError(w, http.StatusBadRequest, splitErr)
				return
			}
			orgGates, gerr := s.CMS.OrgGates(r.Context(), owner)
			if gerr != nil {
				writeError(w, http.StatusInternalServerError, gerr)
				return
			}
			repoGates, gerr := s.CMS.RepoGates(r.Context(), owner, repo)
			if gerr != nil {
				writeError(w, http.StatusInternalServerError, gerr)
				return
			}
			ev.Open.OrgGates, ev.Open.RepoGates = orgGates, repoGates
		}
		err = ctrl.Open(r.Context(), *ev.Open)
	case "review_complete":
		err = ctrl.ReviewComplete(r.Context(), ev.Decision, ev.Comment)
	case "close":
		err = ctrl.Close(r.Context(), ev.Merged)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("httpapi: unknown event type %q", ev.Type))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{Ok: true, State: ctrl.State().State})
}

// handlePRStatus serves GET /prs/{number}/status.
func (s *Server) handlePRStatus(w http.ResponseWriter, r *http.Request) {
	number, err := prNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctrl, err := s.prController(number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.State())
}

// sessionCallbackBody is the body of POST /prs/{number}/session: an
// out-of-band completion report for sandboxes that cannot hold a
// streaming connection open, as an alternative to the in-process event
// pump handleDispatchReview ordinarily drives (spec.md §6 "/session").
type sessionCallbackBody struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"` // "review_complete"
	Decision  string `json:"decision"`
	Comment   string `json:"comment"`
}

// handlePRSession serves POST /prs/{number}/session.
func (s *Server) handlePRSession(w http.ResponseWriter, r *http.Request) {
	number, err := prNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body sessionCallbackBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Type != "review_complete" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("httpapi: unsupported session callback type %q", body.Type))
		return
	}

	ctrl, err := s.prController(number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := ctrl.ReviewComplete(r.Context(), body.Decision, body.Comment); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{Ok: true})
}

type approveBody struct {
	Approver string `json:"approver"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// handlePRApprove serves POST /prs/{number}/approve.
func (s *Server) handlePRApprove(w http.ResponseWriter, r *http.Request) {
	number, err := prNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body approveBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctrl, err := s.prController(number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := ctrl.HumanApproval(r.Context(), body.Approved, body.Approver); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{Ok: true, State: ctrl.State().State})
}

type rollbackBody struct {
	TargetCommit  string `json:"target_commit"`
	Reason        string `json:"reason"`
	RequestedBy   string `json:"requested_by"`
	DefaultBranch string `json:"default_branch"`
}

// handlePRRollback serves POST /prs/{number}/rollback.
func (s *Server) handlePRRollback(w http.ResponseWriter, r *http.Request) {
	number, err := prNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body rollbackBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.DefaultBranch == "" {
		body.DefaultBranch = "main"
	}

	ctrl, err := s.prController(number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result, err := ctrl.RollbackPR(r.Context(), rollback.Request{
		TargetCommit: body.TargetCommit, Reason: body.Reason, RequestedBy: body.RequestedBy, DefaultBranch: body.DefaultBranch,
	}, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePRRollbackInfo serves GET /prs/{number}/rollback-info, deriving
// the last rollback performed against this PR from its audit log (the
// only durable record of it — rollback results are otherwise transient
// return values).
func (s *Server) handlePRRollbackInfo(w http.ResponseWriter, r *http.Request) {
	number, err := prNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctrl, err := s.prController(number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := ctrl.AuditLog()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action != "rollback" {
			continue
		}
		var info rollback.Result
		if err := json.Unmarshal([]byte(entries[i].Details), &info); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("httpapi: no rollback recorded for PR %d", number))
}

// handlePRWS serves the streaming upgrade on /prs/{number}/ws (spec.md §6).
func (s *Server) handlePRWS(w http.ResponseWriter, r *http.Request) {
	number, err := prNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctrl, err := s.prController(number)
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
