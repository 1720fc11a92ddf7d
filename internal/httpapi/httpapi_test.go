/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/devflow/orchestrator/internal/alarm"
	"github.com/devflow/orchestrator/internal/kv"
	"github.com/devflow/orchestrator/internal/prcontroller"
	"github.com/devflow/orchestrator/internal/repocontroller"
	"github.com/devflow/orchestrator/internal/roster"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

type noopMirror struct{}

func (noopMirror) Put(context.Context, string, string, []byte) error { return nil }

type fakeMerger struct{}

func (fakeMerger) Merge(context.Context, int) error { return nil }

type fakeCMS struct {
	repoGates prcontroller.ApprovalGateConfig
}

func (f fakeCMS) OrgGates(context.Context, string) (prcontroller.ApprovalGateConfig, error) {
	return prcontroller.ApprovalGateConfig{}, nil
}

func (f fakeCMS) RepoGates(context.Context, string, string) (prcontroller.ApprovalGateConfig, error) {
	return f.repoGates, nil
}

func newTestServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kvStore, err := kv.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })

	alarms := alarm.New(kvStore)
	rosterFake := &roster.Fake{Agents: map[string]roster.Agent{
		"agent-1": {ID: "agent-1", Name: "Builder", ToolPatterns: []string{"*"}},
	}}
	sb := &sandbox.Fake{Events: []sandbox.Event{{Type: "completed"}}}

	repo := &repocontroller.Controller{DB: db, Owner: "acme", Repo: "widgets", BacklogPath: ".beads/issues.jsonl"}

	s := New(context.Background(), repo, db, kvStore, noopMirror{}, alarms, rosterFake, sb, nil, fakeMerger{}, nil)
	return s, db
}

func doRequest(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMalformedGithubWebhookReturns200OkFalse(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body okBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Ok)
}

func TestUnknownPathReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRouter(s)
	rec := doRequest(t, r, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportBacklogServesCurrentStore(t *testing.T) {
	s, db := newTestServer(t)
	r := NewRouter(s)

	require.NoError(t, db.UpsertIssue(&store.Issue{
		ID: "proj-1", Title: "fix bug", Status: store.StatusOpen, Priority: 1, IssueType: store.TypeTask,
	}))

	rec := doRequest(t, r, http.MethodGet, "/backlog.jsonl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"proj-1"`)
}

func TestAssignAgentThenStateThenCancel(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRouter(s)

	rec := doRequest(t, r, http.MethodPost, "/issues/proj-1/assign-agent", map[string]any{
		"Agent": "agent-1", "Credential": "cred", "Repo": "acme/widgets", "Title": "fix bug",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, r, http.MethodGet, "/issues/proj-1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.NotEmpty(t, state.State)

	rec = doRequest(t, r, http.MethodPost, "/issues/proj-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled okBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	require.True(t, cancelled.Ok)
	require.Equal(t, "failed", cancelled.State)
}

func TestAssignAgentBadBodyReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/issues/proj-1/assign-agent", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPREventOpenThenCloseForcesMerged(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRouter(s)

	rec := doRequest(t, r, http.MethodPost, "/prs/42/event", PREvent{
		Type: "opened",
		Open: &prcontroller.OpenRequest{
			RepoFullName: "acme/widgets",
			Reviewers:    []prcontroller.ReviewerConfig{{Agent: "reviewer-1", Type: "agent"}},
			RepoGates:    prcontroller.ApprovalGateConfig{AllowFullAutonomy: true},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, r, http.MethodPost, "/prs/42/event", PREvent{Type: "close", Merged: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var closed okBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	require.Equal(t, "merged", closed.State)

	rec = doRequest(t, r, http.MethodGet, "/prs/42/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPREventOpenQueriesCMSForGates(t *testing.T) {
	s, _ := newTestServer(t)
	s.CMS = fakeCMS{repoGates: prcontroller.ApprovalGateConfig{AllowFullAutonomy: true}}
	r := NewRouter(s)

	rec := doRequest(t, r, http.MethodPost, "/prs/11/event", PREvent{
		Type: "opened",
		Open: &prcontroller.OpenRequest{
			RepoFullName: "acme/widgets",
			Reviewers:    []prcontroller.ReviewerConfig{{Agent: "reviewer-1", Type: "agent"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, r, http.MethodPost, "/prs/11/event", PREvent{Type: "close", Merged: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var closed okBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	require.Equal(t, "merged", closed.State)
}

func TestPREventUnknownTypeReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRouter(s)
	rec := doRequest(t, r, http.MethodPost, "/prs/7/event", PREvent{Type: "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPRRollbackInfoNotFoundBeforeAnyRollback(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRouter(s)
	rec := doRequest(t, r, http.MethodGet, "/prs/99/rollback-info", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
