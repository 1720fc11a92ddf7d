/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package devworkflow implements repocontroller.WorkflowStarter by
// dispatching to the IssueController service over HTTP, since
// RepoController and IssueController run as separate processes
// (spec.md §4.3 "Workflow trigger").
package devworkflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/devflow/orchestrator/internal/issuecontroller"
	"github.com/devflow/orchestrator/internal/store"
)

// Starter calls IssueControllerBaseURL's assign-agent endpoint for each
// newly-ready issue, tracking dispatched IDs in memory so a process that
// sees the same id become ready twice (e.g. across two import cycles
// before the issue leaves idle) does not double-dispatch.
type Starter struct {
	BaseURL        string
	HTTPClient     *http.Client
	Agent          string
	Credential     string
	Repo           string
	InstallationID int64

	mu        sync.Mutex
	dispatched map[string]bool
}

// New constructs a Starter posting to baseURL (the issue-controller
// service), assigning every newly-ready issue to agent using credential.
func New(baseURL, agent, credential, repo string, installationID int64) *Starter {
	client := http.DefaultClient
	return &Starter{
		BaseURL: baseURL, HTTPClient: client, Agent: agent, Credential: credential,
		Repo: repo, InstallationID: installationID, dispatched: map[string]bool{},
	}
}

// Start implements repocontroller.WorkflowStarter. Idempotent by id for
// the lifetime of this process; IssueController's own idle-state check
// (spec.md §4.4) is the durable idempotency guard across restarts.
func (s *Starter) Start(ctx context.Context, id string, issue *store.Issue) error {
	s.mu.Lock()
	if s.dispatched[id] {
		s.mu.Unlock()
		return nil
	}
	s.dispatched[id] = true
	s.mu.Unlock()

	req := issuecontroller.AssignAgentRequest{
		Agent: s.Agent, Credential: s.Credential, Repo: s.Repo, InstallationID: s.InstallationID,
		Title: issue.Title, Description: issue.Description, AcceptanceCriteria: issue.AcceptanceCriteria,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("devworkflow: encoding assign-agent request for %s: %w", id, err)
	}

	url := fmt.Sprintf("%s/issues/%s/assign-agent", s.BaseURL, id)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("devworkflow: building request for %s: %w", id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(httpReq)
	if err != nil {
		s.mu.Lock()
		delete(s.dispatched, id)
		s.mu.Unlock()
		return fmt.Errorf("devworkflow: dispatching %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.mu.Lock()
		delete(s.dispatched, id)
		s.mu.Unlock()
		return fmt.Errorf("devworkflow: dispatching %s: status %d", id, resp.StatusCode)
	}
	return nil
}
