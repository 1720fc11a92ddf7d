/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/devflow/orchestrator/internal/alarm"
	"github.com/devflow/orchestrator/internal/rollback"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/statemachine"
	"github.com/devflow/orchestrator/internal/stateful"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SandboxClient submits review/fix tasks and streams back events.
type SandboxClient interface {
	Submit(ctx context.Context, task sandbox.Task) (<-chan sandbox.Event, error)
}

// MergeClient performs the final GitHub merge call.
type MergeClient interface {
	Merge(ctx context.Context, prNumber int) error
}

// RollbackClient creates a revert branch and PR (internal/rollback.Client).
type RollbackClient interface {
	CreateRevertPR(ctx context.Context, req rollback.Request, now time.Time) (*rollback.Result, error)
}

// Broadcast is one message pushed to a real-time subscriber (spec.md §4.5,
// §6 "/ws").
type Broadcast struct {
	Type      string         `json:"type"`
	State     string         `json:"state,omitempty"`
	Context   *Context       `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Event     *sandbox.Event `json:"event,omitempty"`
}

const (
	reviewSessionTimeout = 600 * time.Second
	reviewSessionMaxSteps = 50
)

// Controller is the per-PR PRController.
type Controller struct {
	PRNumber int
	DB       *store.DB
	Sandbox  SandboxClient
	GitHub   MergeClient
	Rollback RollbackClient
	Alarms   *alarm.Scheduler

	base    *stateful.Base
	machine *statemachine.Machine[*Context]

	// background outlives any single request; review/fix session dispatch
	// and their event pumps run against it so they survive the HTTP
	// handler that triggered them returning (spec.md §5 "continue after
	// response").
	background context.Context

	mu          sync.Mutex
	subscribers map[chan Broadcast]struct{}
}

func entityRef(prNumber int) string { return fmt.Sprintf("pr-%d", prNumber) }

// New constructs a Controller for prNumber, reconstructing its machine
// from the local snapshot if one exists.
func New(background context.Context, prNumber int, db *store.DB, base *stateful.Base, sb SandboxClient, gh MergeClient, rb RollbackClient, alarms *alarm.Scheduler) (*Controller, error) {
	c := &Controller{
		PRNumber: prNumber, DB: db, Sandbox: sb, GitHub: gh, Rollback: rb, Alarms: alarms,
		base: base, background: background, subscribers: map[chan Broadcast]struct{}{},
	}

	snap, ok, err := base.Load()
	if err != nil {
		return nil, err
	}
	def := Definition()
	if !ok {
		m, err := statemachine.New(def, &Context{PRNumber: prNumber})
		if err != nil {
			return nil, err
		}
		c.machine = m
	} else {
		var snapshot statemachine.Snapshot
		if err := json.Unmarshal(snap, &snapshot); err != nil {
			return nil, fmt.Errorf("prcontroller: decoding snapshot for PR %d: %w", prNumber, err)
		}
		var ctx Context
		if err := json.Unmarshal(snapshot.Context, &ctx); err != nil {
			return nil, fmt.Errorf("prcontroller: decoding context for PR %d: %w", prNumber, err)
		}
		m, err := statemachine.Restore(def, &ctx, snapshot)
		if err != nil {
			return nil, err
		}
		c.machine = m
	}

	if alarms != nil {
		alarms.Register("pr", c.onAlarm)
	}
	return c, nil
}

// OpenRequest is the body of the PR_OPENED handler (spec.md §4.5 "Config cascade").
type OpenRequest struct {
	RepoFullName     string
	InstallationID   int64
	AuthorAgent      string
	AuthorCredential string
	Reviewers        []ReviewerConfig
	OrgGates         ApprovalGateConfig
	RepoGates        ApprovalGateConfig
	IssueLabels      []string
	FilesChanged     []string
}

// Open merges the org/repo approval gate config, assesses risk over the
// changed files, and drives CONFIG_LOADED (spec.md §4.5).
func (c *Controller) Open(ctx context.Context, req OpenRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.State() != "pending" {
		return fmt.Errorf("prcontroller: PR %d already opened (state %s)", c.PRNumber, c.machine.State())
	}

	mctx := c.machine.Context()
	mctx.RepoFullName = req.RepoFullName
	mctx.InstallationID = req.InstallationID
	mctx.AuthorAgent = req.AuthorAgent
	mctx.AuthorCredential = req.AuthorCredential
	mctx.Reviewers = req.Reviewers

	gates := mergeGateConfig(req.OrgGates, req.RepoGates)
	risk := assessRisk(req.FilesChanged, gates)

	return c.send(ctx, statemachine.Event{Name: "CONFIG_LOADED", Data: ConfigLoadedData{
		Gates: gates, Risk: risk, IssueLabels: req.IssueLabels, FilesChanged: req.FilesChanged,
	}})
}

// ReviewComplete drives REVIEW_COMPLETE for the reviewer currently awaiting
// a decision. The HTTP API calls it for the sandbox session callback and
// for a human reviewer's decision (spec.md §6 "/event"); the review session
// pump drives the same event through finishReview instead.
func (c *Controller) ReviewComplete(ctx context.Context, decision, comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, statemachine.Event{Name: "REVIEW_COMPLETE", Data: ReviewCompleteData{
		Decision: decision, Comment: comment, Timestamp: time.Now().Format(time.RFC3339),
	}}); err != nil {
		return err
	}
	return c.persistLastOutcome()
}

// persistLastOutcome appends the most recently recorded in-memory review
// outcome to durable storage. Callers must hold c.mu.
func (c *Controller) persistLastOutcome() error {
	outcomes := c.machine.Context().ReviewOutcomes
	if len(outcomes) == 0 {
		return nil
	}
	o := outcomes[len(outcomes)-1]
	return c.DB.AppendReviewOutcome(store.ReviewOutcome{
		PRNumber: c.PRNumber, Reviewer: o.Reviewer, Decision: store.ReviewDecision(o.Decision),
		Comment: o.Comment, Escalations: o.Escalations, CreatedAt: time.Now(),
	})
}

// HumanApproval drives HUMAN_APPROVAL from awaiting_approval (spec.md §6 "/approve").
func (c *Controller) HumanApproval(ctx context.Context, approved bool, approver string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, statemachine.Event{Name: "HUMAN_APPROVAL", Data: HumanApprovalData{Approved: approved, Approver: approver}})
}

// Close drives CLOSE from any non-terminal state (spec.md §4.5).
func (c *Controller) Close(ctx context.Context, merged bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, statemachine.Event{Name: "CLOSE", Data: CloseData{Merged: merged}})
}

// RollbackPR creates a revert branch and PR, independent of the review
// pipeline's own state (spec.md §4.5 "Rollback"). Failure to create the
// revert PR is audited as rollback_failed and returned as an error; it
// does not change the primary PR's state.
func (c *Controller) RollbackPR(ctx context.Context, req rollback.Request, now time.Time) (*rollback.Result, error) {
	result, err := c.Rollback.CreateRevertPR(ctx, req, now)
	if err != nil {
		details, _ := json.Marshal(map[string]string{"target_commit": req.TargetCommit, "error": err.Error()})
		if auditErr := c.DB.AppendAudit(store.AuditEntry{Action: "rollback_failed", EntityRef: entityRef(c.PRNumber), Details: string(details), CreatedAt: now}); auditErr != nil {
			clog.FromContext(ctx).Errorf("prcontroller: auditing rollback_failed for PR %d: %v", c.PRNumber, auditErr)
		}
		return nil, fmt.Errorf("prcontroller: rollback for PR %d: %w", c.PRNumber, err)
	}

	details, _ := json.Marshal(result)
	if err := c.DB.AppendAudit(store.AuditEntry{Action: "rollback", EntityRef: entityRef(c.PRNumber), Details: string(details), CreatedAt: now}); err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: auditing rollback for PR %d: %v", c.PRNumber, err)
	}
	return result, nil
}

// StateView is the response body of GET /state.
type StateView struct {
	State         string   `json:"state"`
	Context       *Context `json:"context"`
	CanTransition bool     `json:"can_transition"`
}

// State returns the current machine state, context, and whether it is
// non-terminal (spec.md §6).
func (c *Controller) State() StateView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StateView{State: c.machine.State(), Context: c.machine.Context(), CanTransition: !c.machine.IsTerminal()}
}

// Transitions returns the last 50 transitions (spec.md §6).
func (c *Controller) Transitions() ([]store.StateTransition, error) {
	return c.DB.ListTransitions(entityRef(c.PRNumber), 50)
}

// AuditLog returns every audit entry recorded against this PR.
func (c *Controller) AuditLog() ([]store.AuditEntry, error) {
	return c.DB.ListAudit(entityRef(c.PRNumber))
}

// Attach registers a real-time subscriber and returns its channel along
// with an immediate snapshot broadcast (spec.md §6).
func (c *Controller) Attach() (chan Broadcast, Broadcast) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Broadcast, 32)
	c.subscribers[ch] = struct{}{}
	return ch, Broadcast{Type: "state", State: c.machine.State(), Context: c.machine.Context()}
}

// Detach removes a subscriber.
func (c *Controller) Detach(ch chan Broadcast) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, ch)
}

func (c *Controller) broadcast(b Broadcast) {
	for ch := range c.subscribers {
		select {
		case ch <- b:
		default:
			delete(c.subscribers, ch) // dropped connection, pruned lazily
		}
	}
}

// send delivers ev, persists the resulting snapshot, records a transition
// row, and drains any pending actions. Callers must hold c.mu.
func (c *Controller) send(ctx context.Context, ev statemachine.Event) error {
	from := c.machine.State()
	moved, err := c.machine.Send(ev)
	if err != nil {
		return fmt.Errorf("prcontroller: sending %s to PR %d: %w", ev.Name, c.PRNumber, err)
	}
	if !moved {
		return nil
	}
	to := c.machine.State()

	if err := c.persist(ctx); err != nil {
		return err
	}
	if err := c.DB.AppendStateTransition(store.StateTransition{EntityRef: entityRef(c.PRNumber), FromState: from, ToState: to, Event: ev.Name, CreatedAt: time.Now()}); err != nil {
		return fmt.Errorf("prcontroller: recording transition for PR %d: %w", c.PRNumber, err)
	}
	c.broadcast(Broadcast{Type: "state", State: to, Context: c.machine.Context()})

	return c.drain(ctx)
}

func (c *Controller) persist(ctx context.Context) error {
	snap, err := c.machine.Snapshot()
	if err != nil {
		return fmt.Errorf("prcontroller: snapshotting PR %d: %w", c.PRNumber, err)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("prcontroller: marshaling snapshot for PR %d: %w", c.PRNumber, err)
	}
	return c.base.OnTransition(ctx, payload)
}

// drain executes every not-yet-handled pending action, repeating until the
// queue is empty. Callers must hold c.mu.
func (c *Controller) drain(ctx context.Context) error {
	mctx := c.machine.Context()
	for len(mctx.pendingActions) > 0 {
		action := mctx.pendingActions[0]
		mctx.pendingActions = mctx.pendingActions[1:]

		switch action.Type {
		case ActionDispatchReview:
			if err := c.handleDispatchReview(ctx, action.Data.(DispatchReviewData)); err != nil {
				return err
			}
		case ActionDispatchFix:
			if err := c.handleDispatchFix(ctx, action.Data.(DispatchFixData)); err != nil {
				return err
			}
		case ActionScheduleRetry:
			if err := c.handleScheduleRetry(action.Data.(ScheduleRetryData)); err != nil {
				return err
			}
		case ActionCheckApproval:
			if err := c.handleCheckApproval(ctx); err != nil {
				return err
			}
		case ActionEvaluateGate:
			if err := c.sendLocked(ctx, statemachine.Event{Name: "EVALUATE_GATE"}); err != nil {
				return err
			}
		case ActionPerformMerge:
			if err := c.handlePerformMerge(ctx); err != nil {
				return err
			}
		}

		mctx = c.machine.Context()
	}
	return nil
}

// reviewInstructions is the YAML-prefixed prompt submitted for a review or
// fix session (spec.md §4.5).
type reviewInstructions struct {
	PRNumber     int      `yaml:"pr_number"`
	RepoFullName string   `yaml:"repo_full_name"`
	Reviewer     string   `yaml:"reviewer,omitempty"`
	FilesChanged []string `yaml:"files_changed,omitempty"`
}

func (c *Controller) handleDispatchReview(ctx context.Context, data DispatchReviewData) error {
	mctx := c.machine.Context()
	sessionID := uuid.NewString()

	prefix, err := yaml.Marshal(reviewInstructions{
		PRNumber: mctx.PRNumber, RepoFullName: mctx.RepoFullName, Reviewer: data.Reviewer.Agent, FilesChanged: mctx.FilesChanged,
	})
	if err != nil {
		return fmt.Errorf("prcontroller: marshaling review instructions: %w", err)
	}

	if err := c.DB.PutReviewSession(store.ReviewSession{PRNumber: mctx.PRNumber, Reviewer: data.Reviewer.Agent, SessionID: sessionID, StartedAt: time.Now()}); err != nil {
		return fmt.Errorf("prcontroller: recording review session %s: %w", sessionID, err)
	}
	c.audit("review_dispatched", map[string]string{"reviewer": data.Reviewer.Agent, "session_id": sessionID})

	events, err := c.Sandbox.Submit(c.background, sandbox.Task{
		SessionID: sessionID, Credential: data.Reviewer.Credential,
		Instructions: string(prefix), Stream: true, Timeout: reviewSessionTimeout, MaxSteps: reviewSessionMaxSteps,
	})
	if err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: submitting review session %s: %v", sessionID, err)
		return c.sendLocked(ctx, statemachine.Event{Name: "SESSION_FAILED", Data: SessionFailedData{Error: err.Error()}})
	}

	if err := c.sendLocked(ctx, statemachine.Event{Name: "SESSION_STARTED", Data: SessionStartedData{SessionID: sessionID}}); err != nil {
		return err
	}
	go c.pumpReviewEvents(c.background, sessionID, events)
	return nil
}

func (c *Controller) handleDispatchFix(ctx context.Context, data DispatchFixData) error {
	mctx := c.machine.Context()
	sessionID := uuid.NewString()

	prefix, err := yaml.Marshal(reviewInstructions{PRNumber: mctx.PRNumber, RepoFullName: mctx.RepoFullName, FilesChanged: mctx.FilesChanged})
	if err != nil {
		return fmt.Errorf("prcontroller: marshaling fix instructions: %w", err)
	}
	instructions := string(prefix) + "\n---\n" + data.Outcome.Comment

	events, err := c.Sandbox.Submit(c.background, sandbox.Task{
		SessionID: sessionID, Credential: mctx.AuthorCredential,
		Instructions: instructions, Stream: true, Timeout: reviewSessionTimeout, MaxSteps: reviewSessionMaxSteps,
	})
	if err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: submitting fix session %s: %v", sessionID, err)
		return nil // no failure transition defined from fixing; surfaces via logs only
	}

	go c.pumpFixEvents(c.background, sessionID, events)
	return nil
}

// pumpReviewEvents drains a reviewer's event stream, recording and
// broadcasting each event, and on a terminal event drives REVIEW_COMPLETE
// or SESSION_FAILED.
func (c *Controller) pumpReviewEvents(ctx context.Context, sessionID string, events <-chan sandbox.Event) {
	for ev := range events {
		c.recordAndBroadcast(ctx, sessionID, ev)
		switch ev.Type {
		case "completed":
			c.finishReview(ctx, sessionID, ev)
		case "failed", "timeout":
			c.finishReviewFailure(ctx, sessionID, ev)
		}
	}
}

func (c *Controller) pumpFixEvents(ctx context.Context, sessionID string, events <-chan sandbox.Event) {
	for ev := range events {
		c.recordAndBroadcast(ctx, sessionID, ev)
		if ev.Type == "completed" {
			c.finishFix(ctx, sessionID)
		}
	}
}

func (c *Controller) recordAndBroadcast(ctx context.Context, sessionID string, ev sandbox.Event) {
	payload, _ := json.Marshal(ev)
	if err := c.DB.AppendAgentEvent(store.AgentEvent{SessionID: sessionID, EventType: ev.Type, Payload: string(payload), CreatedAt: time.Now()}); err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: recording agent event for %s: %v", sessionID, err)
	}
	c.mu.Lock()
	c.broadcast(Broadcast{Type: "agent_event", SessionID: sessionID, Event: &ev})
	c.mu.Unlock()
}

func decisionFromArtifacts(artifacts []sandbox.Artifact) (decision, comment string) {
	decision = "changes_requested"
	for _, a := range artifacts {
		if a.Type == "decision" {
			decision = a.Ref
			comment = a.Message
		}
	}
	return decision, comment
}

func (c *Controller) finishReview(ctx context.Context, sessionID string, ev sandbox.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Context().CurrentSessionID != sessionID || c.machine.State() != "reviewing" {
		return // stale event from a superseded session
	}
	decision, comment := decisionFromArtifacts(ev.Artifacts)
	if err := c.send(ctx, statemachine.Event{Name: "REVIEW_COMPLETE", Data: ReviewCompleteData{Decision: decision, Comment: comment, Timestamp: time.Now().Format(time.RFC3339)}}); err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: advancing PR %d after review session %s: %v", c.PRNumber, sessionID, err)
		return
	}
	if err := c.persistLastOutcome(); err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: persisting review outcome for PR %d: %v", c.PRNumber, err)
	}
}

func (c *Controller) finishReviewFailure(ctx context.Context, sessionID string, ev sandbox.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Context().CurrentSessionID != sessionID || c.machine.State() != "reviewing" {
		return
	}
	if err := c.send(ctx, statemachine.Event{Name: "SESSION_FAILED", Data: SessionFailedData{Error: ev.Error}}); err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: advancing PR %d after failed review session %s: %v", c.PRNumber, sessionID, err)
	}
}

func (c *Controller) finishFix(ctx context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() != "fixing" {
		return
	}
	if err := c.send(ctx, statemachine.Event{Name: "FIX_COMPLETE"}); err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: advancing PR %d after fix session %s: %v", c.PRNumber, sessionID, err)
	}
}

func (c *Controller) handleScheduleRetry(data ScheduleRetryData) error {
	if c.Alarms == nil {
		return nil
	}
	return c.Alarms.Arm("pr", entityRef(c.PRNumber), "RETRY", time.Duration(data.DelayMillis)*time.Millisecond)
}

// onAlarm is the alarm.Handler registered for entity type "pr" (spec.md
// §4.5 "Retry backoff"): fires RETRY only while still reviewing.
func (c *Controller) onAlarm(ctx context.Context, ref, event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() != "reviewing" {
		clog.FromContext(ctx).Infof("prcontroller: ignoring stale %s alarm for %s (now in %s)", event, ref, c.machine.State())
		return nil
	}
	return c.send(ctx, statemachine.Event{Name: event})
}

func (c *Controller) handleCheckApproval(ctx context.Context) error {
	mctx := c.machine.Context()
	if mctx.CurrentReviewerIndex+1 < len(mctx.Reviewers) {
		return c.sendLocked(ctx, statemachine.Event{Name: "MORE_REVIEWERS"})
	}
	return c.sendLocked(ctx, statemachine.Event{Name: "ALL_APPROVED"})
}

func (c *Controller) handlePerformMerge(ctx context.Context) error {
	mctx := c.machine.Context()
	c.audit("merge_attempted", map[string]string{"merge_type": mctx.MergeType})

	if err := c.GitHub.Merge(ctx, mctx.PRNumber); err != nil {
		clog.FromContext(ctx).Errorf("prcontroller: merging PR %d: %v", mctx.PRNumber, err)
		c.audit("merge_failed", map[string]string{"error": err.Error()})
		return nil // no transition defined on merge failure; operator intervenes
	}

	c.audit("merged", map[string]string{"merge_type": mctx.MergeType})
	return c.sendLocked(ctx, statemachine.Event{Name: "MERGED"})
}

func (c *Controller) audit(action string, fields map[string]string) {
	details, _ := json.Marshal(fields)
	if err := c.DB.AppendAudit(store.AuditEntry{Action: action, EntityRef: entityRef(c.PRNumber), Details: string(details), CreatedAt: time.Now()}); err != nil {
		clog.FromContext(context.Background()).Errorf("prcontroller: auditing %s for PR %d: %v", action, c.PRNumber, err)
	}
}

// sendLocked is send, but callable from within drain where c.mu is already
// held by the same goroutine (not concurrent access).
func (c *Controller) sendLocked(ctx context.Context, ev statemachine.Event) error {
	return c.send(ctx, ev)
}
