/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prcontroller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/alarm"
	"github.com/devflow/orchestrator/internal/kv"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/stateful"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

type noopMirror struct{}

func (noopMirror) Put(context.Context, string, string, []byte) error { return nil }

// sequencedSandbox replays a different canned event list on each Submit
// call, in order, so multi-reviewer pipelines can be exercised.
type sequencedSandbox struct {
	sequences [][]sandbox.Event
	calls     int
	Tasks     []sandbox.Task
}

func (s *sequencedSandbox) Submit(ctx context.Context, task sandbox.Task) (<-chan sandbox.Event, error) {
	s.Tasks = append(s.Tasks, task)
	events := s.sequences[s.calls%len(s.sequences)]
	s.calls++
	ch := make(chan sandbox.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeMerger struct {
	called bool
	prNum  int
	err    error
}

func (f *fakeMerger) Merge(ctx context.Context, prNumber int) error {
	f.called, f.prNum = true, prNumber
	return f.err
}

func newTestController(t *testing.T, prNumber int, sb SandboxClient, gh MergeClient) *Controller {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kvStore, err := kv.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })

	base := stateful.New(context.Background(), stateful.Entity{LocalBucket: "prMachineState", LocalKey: entityRef(prNumber), Type: "pr", Ref: entityRef(prNumber)}, kvStore, noopMirror{})
	alarms := alarm.New(kvStore)

	c, err := New(context.Background(), prNumber, db, base, sb, gh, nil, alarms)
	require.NoError(t, err)
	return c
}

func approvedEvent() sandbox.Event {
	return sandbox.Event{Type: "completed", Artifacts: []sandbox.Artifact{{Type: "decision", Ref: "approved"}}}
}

func changesRequestedEvent(comment string) sandbox.Event {
	return sandbox.Event{Type: "completed", Artifacts: []sandbox.Artifact{{Type: "decision", Ref: "changes_requested", Message: comment}}}
}

func TestSingleReviewerApprovalAutoMerges(t *testing.T) {
	sb := &sequencedSandbox{sequences: [][]sandbox.Event{{approvedEvent()}}}
	gh := &fakeMerger{}
	c := newTestController(t, 7, sb, gh)

	err := c.Open(context.Background(), OpenRequest{
		RepoFullName: "acme/widgets", AuthorAgent: "author-1",
		Reviewers:    []ReviewerConfig{{Agent: "reviewer-1", Type: "agent"}},
		OrgGates:     ApprovalGateConfig{},
		RepoGates:    ApprovalGateConfig{AllowFullAutonomy: true},
		FilesChanged: []string{"main.go"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State().State == "merged" }, 2*time.Second, 5*time.Millisecond)
	require.True(t, gh.called)
	require.Equal(t, 7, gh.prNum)
	require.Equal(t, MergeTypeAuto, c.machine.Context().MergeType)
}

func TestChangesRequestedGoesToFixingThenBackToReviewing(t *testing.T) {
	sb := &sequencedSandbox{sequences: [][]sandbox.Event{
		{changesRequestedEvent("please add tests")},
		{sandbox.Event{Type: "completed"}}, // fix session
		{approvedEvent()},                   // re-review
	}}
	gh := &fakeMerger{}
	c := newTestController(t, 8, sb, gh)

	err := c.Open(context.Background(), OpenRequest{
		RepoFullName: "acme/widgets", AuthorAgent: "author-1", AuthorCredential: "cred",
		Reviewers: []ReviewerConfig{{Agent: "reviewer-1", Type: "agent"}},
		RepoGates: ApprovalGateConfig{AllowFullAutonomy: true},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State().State == "merged" }, 2*time.Second, 5*time.Millisecond)
	outcomes, err := c.DB.ListReviewOutcomes(8)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, store.DecisionChangesRequested, outcomes[0].Decision)
	require.Equal(t, store.DecisionApproved, outcomes[1].Decision)
}

func TestMultiReviewerPipelineAdvancesThroughAll(t *testing.T) {
	sb := &sequencedSandbox{sequences: [][]sandbox.Event{{approvedEvent()}}}
	gh := &fakeMerger{}
	c := newTestController(t, 9, sb, gh)

	err := c.Open(context.Background(), OpenRequest{
		RepoFullName: "acme/widgets",
		Reviewers: []ReviewerConfig{
			{Agent: "reviewer-1", Type: "agent"},
			{Agent: "reviewer-2", Type: "agent"},
		},
		RepoGates: ApprovalGateConfig{AllowFullAutonomy: true},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State().State == "merged" }, 2*time.Second, 5*time.Millisecond)
	outcomes, err := c.DB.ListReviewOutcomes(9)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, "reviewer-1", outcomes[0].Reviewer)
	require.Equal(t, "reviewer-2", outcomes[1].Reviewer)
}

func TestHighRiskRequiresHumanApproval(t *testing.T) {
	sb := &sequencedSandbox{sequences: [][]sandbox.Event{{approvedEvent()}}}
	gh := &fakeMerger{}
	c := newTestController(t, 10, sb, gh)

	files := make([]string, 60)
	for i := range files {
		files[i] = "file.go"
	}
	err := c.Open(context.Background(), OpenRequest{
		RepoFullName: "acme/widgets",
		Reviewers:    []ReviewerConfig{{Agent: "reviewer-1", Type: "agent"}},
		RepoGates:    ApprovalGateConfig{RiskThreshold: "medium"},
		FilesChanged: files,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State().State == "awaiting_approval" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.HumanApproval(context.Background(), true, "alice"))
	require.Eventually(t, func() bool { return c.State().State == "merged" }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, MergeTypeApproved, c.machine.Context().MergeType)
	require.Equal(t, "alice", c.machine.Context().HumanApprover)
}

func TestCriticalPathEscalatesRisk(t *testing.T) {
	gates := ApprovalGateConfig{CriticalPaths: []string{"internal/auth/**"}, RiskThreshold: "high"}
	risk := assessRisk([]string{"internal/auth/token.go"}, gates)
	require.Equal(t, "critical", risk.Level)
	require.True(t, risk.TouchesCriticalPath)
	require.True(t, risk.RequiresHumanApproval)
}

func TestEscalationInsertedAfterCurrentReviewer(t *testing.T) {
	reviewers := []ReviewerConfig{
		{Agent: "reviewer-1", CanEscalate: []string{"security-reviewer"}},
		{Agent: "reviewer-2"},
	}
	targets := honoredEscalations(parseEscalations("needs another look\n<!-- escalate: security-reviewer, random-bot -->"), reviewers[0].CanEscalate)
	require.Equal(t, []string{"security-reviewer"}, targets)

	out := insertEscalations(reviewers, 0, targets, "cred")
	require.Len(t, out, 3)
	require.Equal(t, "reviewer-1", out[0].Agent)
	require.Equal(t, "security-reviewer", out[1].Agent)
	require.Equal(t, "reviewer-2", out[2].Agent)
}

// TestEscalationDispatchesToEscalatedReviewerAfterFix drives the full
// changes_requested -> fixing -> FIX_COMPLETE -> reviewing cycle and
// asserts the re-review goes to the escalation target, not back to the
// original reviewer at index 0.
func TestEscalationDispatchesToEscalatedReviewerAfterFix(t *testing.T) {
	sb := &sequencedSandbox{sequences: [][]sandbox.Event{
		{changesRequestedEvent("needs security review\n<!-- escalate: sam -->")}, // quinn's review
		{sandbox.Event{Type: "completed"}},                                       // fix session
		{approvedEvent()},                                                        // re-review, should go to sam
		{approvedEvent()},                                                        // dana's review
	}}
	gh := &fakeMerger{}
	c := newTestController(t, 12, sb, gh)

	err := c.Open(context.Background(), OpenRequest{
		RepoFullName: "acme/widgets", AuthorCredential: "cred",
		Reviewers: []ReviewerConfig{
			{Agent: "quinn", Type: "agent", CanEscalate: []string{"sam"}},
			{Agent: "dana", Type: "agent"},
		},
		RepoGates: ApprovalGateConfig{AllowFullAutonomy: true},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State().State == "merged" }, 2*time.Second, 5*time.Millisecond)
	outcomes, err := c.DB.ListReviewOutcomes(12)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	require.Equal(t, "quinn", outcomes[0].Reviewer)
	require.Equal(t, store.DecisionChangesRequested, outcomes[0].Decision)
	require.Equal(t, "sam", outcomes[1].Reviewer)
	require.Equal(t, store.DecisionApproved, outcomes[1].Decision)
	require.Equal(t, "dana", outcomes[2].Reviewer)
	require.Equal(t, store.DecisionApproved, outcomes[2].Decision)
}

// ctxCapturingSandbox records the context review/fix sessions are
// submitted with, so a test can assert it is not cancelled once the
// request that triggered dispatch returns.
type ctxCapturingSandbox struct {
	sequencedSandbox
	submittedCtx context.Context
}

func (s *ctxCapturingSandbox) Submit(ctx context.Context, task sandbox.Task) (<-chan sandbox.Event, error) {
	s.submittedCtx = ctx
	return s.sequencedSandbox.Submit(ctx, task)
}

// TestDispatchReviewSurvivesRequestCancellation asserts the review
// session is submitted against the controller's long-lived background
// context rather than the request-scoped context that triggered Open.
func TestDispatchReviewSurvivesRequestCancellation(t *testing.T) {
	sb := &ctxCapturingSandbox{sequencedSandbox: sequencedSandbox{sequences: [][]sandbox.Event{{approvedEvent()}}}}
	c := newTestController(t, 13, sb, &fakeMerger{})

	requestCtx, cancel := context.WithCancel(context.Background())
	err := c.Open(requestCtx, OpenRequest{
		RepoFullName: "acme/widgets",
		Reviewers:    []ReviewerConfig{{Agent: "reviewer-1", Type: "agent"}},
		RepoGates:    ApprovalGateConfig{AllowFullAutonomy: true},
	})
	require.NoError(t, err)
	cancel() // simulate net/http cancelling the request context once the handler returns

	require.Eventually(t, func() bool { return sb.submittedCtx != nil }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sb.submittedCtx.Err(), "review session must not inherit the cancelled request context")
}

func TestCloseFromAnyNonTerminalStateForcesMerged(t *testing.T) {
	sb := &sequencedSandbox{sequences: [][]sandbox.Event{{approvedEvent()}}}
	c := newTestController(t, 11, sb, &fakeMerger{})
	require.NoError(t, c.Close(context.Background(), true))
	require.Equal(t, "merged", c.State().State)
	require.Equal(t, MergeTypeForced, c.machine.Context().MergeType)
}
