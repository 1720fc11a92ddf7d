/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package issuecontroller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/alarm"
	"github.com/devflow/orchestrator/internal/kv"
	"github.com/devflow/orchestrator/internal/roster"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/stateful"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

type noopMirror struct{}

func (noopMirror) Put(context.Context, string, string, []byte) error { return nil }

func newTestController(t *testing.T, issueID string, rosterFake *roster.Fake, sb SandboxClient) *Controller {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "issue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kvStore, err := kv.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })

	base := stateful.New(context.Background(), stateful.Entity{LocalBucket: "machineState", LocalKey: issueID, Type: "issue", Ref: issueID}, kvStore, noopMirror{})
	alarms := alarm.New(kvStore)

	c, err := New(context.Background(), issueID, db, base, rosterFake, sb, alarms, nil)
	require.NoError(t, err)
	return c
}

func TestAssignAgentTransitionsToPreparingAndChecksTools(t *testing.T) {
	rosterFake := &roster.Fake{Agents: map[string]roster.Agent{
		"agent-1": {ID: "agent-1", Name: "Builder", ToolPatterns: []string{"file.*", "code.*"}},
	}}
	fakeSandbox := &sandbox.Fake{Events: []sandbox.Event{
		{Type: "completed", Artifacts: []sandbox.Artifact{
			{Type: "pr", Ref: "repo/pulls#7"},
			{Type: "commit", SHA: "abc123", Message: "fix"},
		}},
	}}
	c := newTestController(t, "proj-1", rosterFake, fakeSandbox)

	result, err := c.AssignAgent(context.Background(), AssignAgentRequest{
		Agent: "agent-1", Credential: "cred", Repo: "o/r", Title: "t", Description: "d",
		RequiredTools: []string{"file.read", "code.edit"},
	})
	require.NoError(t, err)
	require.Equal(t, "Builder", result.Agent.Name)

	require.Eventually(t, func() bool {
		return c.State().State == "verifying" || c.State().State == "done"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAssignAgentRejectsReassignment(t *testing.T) {
	rosterFake := &roster.Fake{Agents: map[string]roster.Agent{"agent-1": {ID: "agent-1", ToolPatterns: []string{"*"}}}}
	c := newTestController(t, "proj-1", rosterFake, &sandbox.Fake{})

	_, err := c.AssignAgent(context.Background(), AssignAgentRequest{Agent: "agent-1"})
	require.NoError(t, err)

	_, err = c.AssignAgent(context.Background(), AssignAgentRequest{Agent: "agent-1"})
	require.Error(t, err)
}

func TestMissingToolsBlocksThenReadyOnRetry(t *testing.T) {
	rosterFake := &roster.Fake{Agents: map[string]roster.Agent{
		"agent-1": {ID: "agent-1", ToolPatterns: []string{"file.*"}},
	}}
	c := newTestController(t, "proj-1", rosterFake, &sandbox.Fake{})

	_, err := c.AssignAgent(context.Background(), AssignAgentRequest{
		Agent: "agent-1", RequiredTools: []string{"search.query"},
	})
	require.NoError(t, err)
	require.Equal(t, "blocked", c.State().State)

	checks, err := c.DB.ListToolChecks("proj-1")
	require.NoError(t, err)
	require.Len(t, checks, 1)
	require.Equal(t, []string{"search.query"}, checks[0].Missing)
}

func TestCancelAlwaysTransitionsToFailed(t *testing.T) {
	rosterFake := &roster.Fake{Agents: map[string]roster.Agent{"agent-1": {ID: "agent-1", ToolPatterns: []string{"*"}}}}
	c := newTestController(t, "proj-1", rosterFake, &sandbox.Fake{})

	state, err := c.Cancel(context.Background())
	require.NoError(t, err)
	require.Equal(t, "failed", state)
	require.Equal(t, "Cancelled", c.machine.Context().LastError)
}

func TestVerificationRejectsWithoutPRThenFailsAfterThreeAttempts(t *testing.T) {
	rosterFake := &roster.Fake{Agents: map[string]roster.Agent{"agent-1": {ID: "agent-1", ToolPatterns: []string{"*"}}}}
	fakeSandbox := &sandbox.Fake{Events: []sandbox.Event{{Type: "completed"}}} // no pr/commit artifacts
	c := newTestController(t, "proj-1", rosterFake, fakeSandbox)

	_, err := c.AssignAgent(context.Background(), AssignAgentRequest{Agent: "agent-1", RequiredTools: nil})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State().State == "failed" }, 2*time.Second, 5*time.Millisecond)

	verifications, err := c.DB.ListVerifications("proj-1")
	require.NoError(t, err)
	require.Len(t, verifications, 3)
	for _, v := range verifications {
		require.False(t, v.Passed)
		require.Equal(t, "pr_exists", v.Reason)
	}
}

// ctxCapturingSandbox records the context it is submitted with, so a test
// can assert it is not cancelled once the call that produced it returns.
type ctxCapturingSandbox struct {
	sandbox.Fake
	submittedCtx context.Context
}

func (s *ctxCapturingSandbox) Submit(ctx context.Context, task sandbox.Task) (<-chan sandbox.Event, error) {
	s.submittedCtx = ctx
	return s.Fake.Submit(ctx, task)
}

// TestExecuteTaskSurvivesRequestCancellation asserts that the sandbox
// session is submitted against the controller's long-lived background
// context rather than whatever request-scoped context triggered dispatch,
// so it keeps running after that request's context is cancelled.
func TestExecuteTaskSurvivesRequestCancellation(t *testing.T) {
	rosterFake := &roster.Fake{Agents: map[string]roster.Agent{"agent-1": {ID: "agent-1", ToolPatterns: []string{"*"}}}}
	fakeSandbox := &ctxCapturingSandbox{Fake: sandbox.Fake{Events: []sandbox.Event{{Type: "completed"}}}}
	c := newTestController(t, "proj-1", rosterFake, fakeSandbox)

	requestCtx, cancel := context.WithCancel(context.Background())
	_, err := c.AssignAgent(requestCtx, AssignAgentRequest{Agent: "agent-1", RequiredTools: nil})
	require.NoError(t, err)
	cancel() // simulate net/http cancelling the request context once the handler returns

	require.Eventually(t, func() bool { return fakeSandbox.submittedCtx != nil }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fakeSandbox.submittedCtx.Err(), "sandbox session must not inherit the cancelled request context")
}
