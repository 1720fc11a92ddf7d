/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router exposing RepoController,
// IssueController, and PRController over HTTP (spec.md §6).
func NewRouter(s *Server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.NotFound(notFoundHandler)
	r.MethodNotAllowed(methodNotAllowedHandler)

	r.Route("/webhook", func(r chi.Router) {
		r.Post("/github", s.handleHostIssueWebhook)
		r.Post("/beads", s.handleBacklogWebhook)
	})

	r.Get("/backlog.jsonl", s.handleExportBacklog)

	r.Route("/issues", func(r chi.Router) {
		r.Get("/", s.handleListIssues)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetIssue)
			r.Post("/assign-agent", s.handleAssignAgent)
			r.Get("/state", s.handleIssueState)
			r.Post("/cancel", s.handleIssueCancel)
			r.Get("/logs", s.handleIssueLogs)
			r.Get("/transitions", s.handleIssueTransitions)
			r.Get("/events/{session_id}", s.handleIssueEvents)
			r.Get("/ws", s.handleIssueWS)
		})
	})

	r.Route("/prs/{number}", func(r chi.Router) {
		r.Post("/event", s.handlePREvent)
		r.Get("/status", s.handlePRStatus)
		r.Post("/session", s.handlePRSession)
		r.Post("/approve", s.handlePRApprove)
		r.Post("/rollback", s.handlePRRollback)
		r.Get("/rollback-info", s.handlePRRollbackInfo)
		r.Get("/ws", s.handlePRWS)
	})

	return r
}
