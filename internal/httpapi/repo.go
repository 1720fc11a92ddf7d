/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/devflow/orchestrator/internal/repocontroller"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v75/github"
)

type githubIssueWebhookBody struct {
	Action string `json:"action"`
	Issue  struct {
		ID     int64  `json:"id"`
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignee *struct {
			Login string `json:"login"`
		} `json:"assignee"`
		CreatedAt time.Time  `json:"created_at"`
		UpdatedAt time.Time  `json:"updated_at"`
		ClosedAt  *time.Time `json:"closed_at"`
	} `json:"issue"`
}

// handleHostIssueWebhook serves POST /webhook/github (spec.md §6). Per
// the webhook contract it never returns 5xx: malformed bodies and
// processing failures alike are logged and acknowledged with
// {ok:false} to avoid redelivery storms.
func (s *Server) handleHostIssueWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	var body githubIssueWebhookBody
	if err := decodeJSON(r, &body); err != nil {
		log.Warnf("httpapi: malformed github webhook body: %v", err)
		writeJSON(w, http.StatusOK, okBody{Ok: false})
		return
	}

	labels := make([]string, len(body.Issue.Labels))
	for i, l := range body.Issue.Labels {
		labels[i] = l.Name
	}
	var assignee *string
	if body.Issue.Assignee != nil {
		assignee = &body.Issue.Assignee.Login
	}

	payload := repocontroller.HostIssuePayload{
		ID: body.Issue.ID, Number: body.Issue.Number, Title: body.Issue.Title, Body: body.Issue.Body,
		State: body.Issue.State, Labels: labels, Assignee: assignee,
		CreatedAt: body.Issue.CreatedAt, UpdatedAt: body.Issue.UpdatedAt, ClosedAt: body.Issue.ClosedAt,
	}
	if err := s.Repo.OnHostIssue(ctx, payload); err != nil {
		log.Errorf("httpapi: processing github webhook: %v", err)
		writeJSON(w, http.StatusOK, okBody{Ok: false})
		return
	}
	writeJSON(w, http.StatusOK, okBody{Ok: true})
}

type beadsWebhookBody struct {
	Commit         string   `json:"commit"`
	Files          []string `json:"files"`
	RepoFullName   string   `json:"repo_full_name"`
	InstallationID int64    `json:"installation_id"`
}

// handleBacklogWebhook serves POST /webhook/beads (spec.md §6).
func (s *Server) handleBacklogWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	var body beadsWebhookBody
	if err := decodeJSON(r, &body); err != nil {
		log.Warnf("httpapi: malformed beads webhook body: %v", err)
		writeJSON(w, http.StatusOK, okBody{Ok: false})
		return
	}

	payload := repocontroller.BacklogPushPayload{
		Commit: body.Commit, Files: body.Files, RepoFullName: body.RepoFullName, InstallationID: body.InstallationID,
	}
	if _, err := s.Repo.OnBacklogPush(ctx, payload, s.fetchBacklogFile); err != nil {
		log.Errorf("httpapi: processing beads webhook: %v", err)
		writeJSON(w, http.StatusOK, okBody{Ok: false})
		return
	}
	writeJSON(w, http.StatusOK, okBody{Ok: true})
}

// fetchBacklogFile retrieves the backlog file content at ref via the
// same installation client RepoController uses for commits.
func (s *Server) fetchBacklogFile(ctx context.Context, ref string) ([]byte, error) {
	gh := s.Repo.Clients.Client(ctx, s.Repo.InstallationID)
	content, _, _, err := gh.Repositories.GetContents(ctx, s.Repo.Owner, s.Repo.Repo, s.Repo.BacklogPath, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, err
	}
	decoded, err := content.GetContent()
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}

// handleListIssues serves GET /issues (spec.md §4.3 "Queries"): list,
// list_ready, list_blocked, or search depending on query parameters.
func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	switch {
	case q.Get("q") != "":
		issues, err := s.Repo.Search(ctx, q.Get("q"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, issues)
	case q.Get("filter") == "ready":
		issues, err := s.Repo.ListReady(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, issues)
	case q.Get("filter") == "blocked":
		issues, err := s.Repo.ListBlocked(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, issues)
	default:
		issues, err := s.Repo.List(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, issues)
	}
}

// handleExportBacklog serves GET /backlog.jsonl: the queryable counterpart
// to the commit-on-change path, letting a caller pull the current backlog
// in the same JSONL shape RepoController imports (spec.md §4.3, §8
// "export(import(B)) == B").
func (s *Server) handleExportBacklog(w http.ResponseWriter, r *http.Request) {
	data, err := s.Repo.ExportBacklog()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/jsonl")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleGetIssue serves GET /issues/{id} (spec.md §4.3 "get").
func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	issue, err := s.Repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}
