/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package issuecontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/devflow/orchestrator/internal/alarm"
	"github.com/devflow/orchestrator/internal/roster"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/statemachine"
	"github.com/devflow/orchestrator/internal/stateful"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// RosterClient resolves an agent ID to its catalog entry.
type RosterClient interface {
	Get(ctx context.Context, agentID string) (*roster.Agent, error)
}

// SandboxClient submits execution tasks and streams back events.
type SandboxClient interface {
	Submit(ctx context.Context, task sandbox.Task) (<-chan sandbox.Event, error)
}

// Broadcast is one message pushed to a real-time subscriber (spec.md §4.4,
// §6 "/ws").
type Broadcast struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Context   *Context `json:"context,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Event     *sandbox.Event `json:"event,omitempty"`
}

const (
	defaultMaxRetries   = 3
	executionTimeout    = 600 * time.Second
	executionMaxSteps   = 50
)

// Controller is the per-issue IssueController.
type Controller struct {
	IssueID string
	DB      *store.DB
	Roster  RosterClient
	Sandbox SandboxClient
	Alarms  *alarm.Scheduler
	Conns   ConnectionChecker

	base    *stateful.Base
	machine *statemachine.Machine[*Context]

	// background outlives any single request; sandbox dispatch and its
	// event pump run against it so they survive the HTTP handler that
	// triggered them returning (spec.md §5 "continue after response").
	background context.Context

	mu          sync.Mutex
	subscribers map[chan Broadcast]struct{}
}

// New constructs a Controller for issueID, reconstructing its machine from
// the local snapshot if one exists (spec.md §4.1 "Load on startup").
func New(background context.Context, issueID string, db *store.DB, base *stateful.Base, roster RosterClient, sb SandboxClient, alarms *alarm.Scheduler, conns ConnectionChecker) (*Controller, error) {
	c := &Controller{
		IssueID: issueID, DB: db, Roster: roster, Sandbox: sb, Alarms: alarms, Conns: conns,
		base: base, background: background, subscribers: map[chan Broadcast]struct{}{},
	}

	snap, ok, err := base.Load()
	if err != nil {
		return nil, err
	}
	def := Definition()
	if !ok {
		m, err := statemachine.New(def, &Context{IssueID: issueID, MaxRetries: defaultMaxRetries})
		if err != nil {
			return nil, err
		}
		c.machine = m
	} else {
		var snapshot statemachine.Snapshot
		if err := json.Unmarshal(snap, &snapshot); err != nil {
			return nil, fmt.Errorf("issuecontroller: decoding snapshot for %s: %w", issueID, err)
		}
		var ctx Context
		if err := json.Unmarshal(snapshot.Context, &ctx); err != nil {
			return nil, fmt.Errorf("issuecontroller: decoding context for %s: %w", issueID, err)
		}
		m, err := statemachine.Restore(def, &ctx, snapshot)
		if err != nil {
			return nil, err
		}
		c.machine = m
	}

	if alarms != nil {
		alarms.Register("issue", c.onAlarm)
	}
	return c, nil
}

// AssignAgentRequest is the body of POST /assign-agent (spec.md §4.4, §6).
type AssignAgentRequest struct {
	Agent              string
	Credential         string
	Repo               string
	InstallationID     int64
	Title              string
	Description        string
	AcceptanceCriteria string
	Design             string
	RequiredTools      []string
}

// AssignAgentResult is the body of the assign-agent response.
type AssignAgentResult struct {
	State string
	Agent *roster.Agent
}

// AssignAgent resolves req.Agent via the roster and drives ASSIGN_AGENT.
// Legal only in idle; re-assignment is rejected (spec.md §4.4).
func (c *Controller) AssignAgent(ctx context.Context, req AssignAgentRequest) (*AssignAgentResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.State() != "idle" {
		return nil, fmt.Errorf("issuecontroller: %s already assigned (state %s)", c.IssueID, c.machine.State())
	}

	agent, err := c.Roster.Get(ctx, req.Agent)
	if err != nil {
		return nil, fmt.Errorf("issuecontroller: resolving agent %s: %w", req.Agent, err)
	}

	mctx := c.machine.Context()
	mctx.Repo = req.Repo
	mctx.InstallationID = req.InstallationID
	mctx.Title = req.Title
	mctx.Description = req.Description
	mctx.AcceptanceCriteria = req.AcceptanceCriteria
	mctx.Design = req.Design
	mctx.RequiredTools = req.RequiredTools
	mctx.AssignedAgent = agent.ID
	mctx.AgentCredential = req.Credential
	if mctx.MaxRetries == 0 {
		mctx.MaxRetries = defaultMaxRetries
	}

	if err := c.send(ctx, statemachine.Event{Name: "ASSIGN_AGENT"}); err != nil {
		return nil, err
	}
	return &AssignAgentResult{State: c.machine.State(), Agent: agent}, nil
}

// Cancel always succeeds, driving the machine to failed.
func (c *Controller) Cancel(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, statemachine.Event{Name: "CANCEL"}); err != nil {
		return "", err
	}
	return c.machine.State(), nil
}

// StateView is the response body of GET /state.
type StateView struct {
	State          string   `json:"state"`
	Context        *Context `json:"context"`
	CanTransition  bool     `json:"can_transition"`
}

// State returns the current machine state, context, and whether it is
// non-terminal (spec.md §6).
func (c *Controller) State() StateView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StateView{State: c.machine.State(), Context: c.machine.Context(), CanTransition: !c.machine.IsTerminal()}
}

// LogsView is the response body of GET /logs.
type LogsView struct {
	Sessions      []store.ExecutionSession `json:"sessions"`
	ToolChecks    []store.ToolCheck        `json:"tool_checks"`
	Verifications []store.Verification     `json:"verifications"`
}

// Logs returns the last n execution sessions plus full tool-check and
// verification history (spec.md §6).
func (c *Controller) Logs(n int) (*LogsView, error) {
	sessions, err := c.DB.ListSessions(c.IssueID, n)
	if err != nil {
		return nil, err
	}
	checks, err := c.DB.ListToolChecks(c.IssueID)
	if err != nil {
		return nil, err
	}
	verifications, err := c.DB.ListVerifications(c.IssueID)
	if err != nil {
		return nil, err
	}
	return &LogsView{Sessions: sessions, ToolChecks: checks, Verifications: verifications}, nil
}

// Transitions returns the last 50 transitions (spec.md §6).
func (c *Controller) Transitions() ([]store.StateTransition, error) {
	return c.DB.ListTransitions(c.IssueID, 50)
}

// Events returns every agent event for sessionID in ascending order.
func (c *Controller) Events(sessionID string) ([]store.AgentEvent, error) {
	return c.DB.ListAgentEvents(sessionID)
}

// Attach registers a real-time subscriber and returns its channel along
// with an immediate snapshot broadcast (spec.md §4.4, §6).
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
		return fmt.Errorf("issuecontroller: sending %s to %s: %w", ev.Name, c.IssueID, err)
	}
	if !moved {
		return nil
	}
	to := c.machine.State()

	if err := c.persist(ctx); err != nil {
		return err
	}
	if err := c.DB.AppendStateTransition(store.StateTransition{EntityRef: c.IssueID, FromState: from, ToState: to, Event: ev.Name, CreatedAt: time.Now()}); err != nil {
		return fmt.Errorf("issuecontroller: recording transition for %s: %w", c.IssueID, err)
	}
	c.broadcast(Broadcast{Type: "state", State: to, Context: c.machine.Context()})

	return c.drain(ctx)
}

func (c *Controller) persist(ctx context.Context) error {
	snap, err := c.machine.Snapshot()
	if err != nil {
		return fmt.Errorf("issuecontroller: snapshotting %s: %w", c.IssueID, err)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("issuecontroller: marshaling snapshot for %s: %w", c.IssueID, err)
	}
	return c.base.OnTransition(ctx, payload)
}

// drain executes every not-yet-handled pending action, repeating until the
// queue is empty (an action's resulting Send may enqueue more). Callers
// must hold c.mu.
func (c *Controller) drain(ctx context.Context) error {
	mctx := c.machine.Context()
	for len(mctx.pendingActions) > 0 {
		action := mctx.pendingActions[0]
		mctx.pendingActions = mctx.pendingActions[1:]

		switch action.Type {
		case ActionCheckTools:
			if err := c.handleCheckTools(ctx, action.Data.(CheckToolsData)); err != nil {
				return err
			}
		case ActionExecuteTask:
			if err := c.handleExecuteTask(ctx); err != nil {
				return err
			}
		case ActionScheduleAlarm:
			if err := c.handleScheduleAlarm(action.Data.(ScheduleAlarmData)); err != nil {
				return err
			}
		case ActionVerifyResults:
			if err := c.handleVerifyResults(ctx); err != nil {
				return err
			}
		}

		// A handler above may have called c.send recursively (re-entrant on
		// the same locked mutex since these run synchronously in-line), so
		// re-read the live context/queue before continuing.
		mctx = c.machine.Context()
	}
	return nil
}

func (c *Controller) handleCheckTools(ctx context.Context, data CheckToolsData) error {
	agent, err := c.Roster.Get(ctx, data.Agent)
	if err != nil {
		return fmt.Errorf("issuecontroller: re-resolving agent %s for tool check: %w", data.Agent, err)
	}
	available, missing := evaluateTools(data.RequiredTools, agent.ToolPatterns, c.Conns)

	if err := c.DB.AppendToolCheck(store.ToolCheck{IssueID: c.IssueID, Available: available, Missing: missing, CreatedAt: time.Now()}); err != nil {
		return err
	}

	if len(missing) == 0 {
		return c.sendLocked(ctx, statemachine.Event{Name: "TOOLS_READY", Data: ToolsReadyData{Available: available}})
	}
	return c.sendLocked(ctx, statemachine.Event{Name: "TOOLS_MISSING", Data: ToolsMissingData{Missing: missing}})
}

// executeInstructions is the YAML-prefixed prompt submitted to the
// sandbox (spec.md §4.4 "Execution dispatch").
type executeInstructions struct {
	IssueID            string `yaml:"issue_id"`
	Repo               string `yaml:"repo"`
	Title              string `yaml:"title"`
	Description        string `yaml:"description"`
	AcceptanceCriteria string `yaml:"acceptance_criteria"`
	Design             string `yaml:"design"`
}

func (c *Controller) handleExecuteTask(ctx context.Context) error {
	mctx := c.machine.Context()
	sessionID := uuid.NewString()
	mctx.SessionID = sessionID

	prefix, err := yaml.Marshal(executeInstructions{
		IssueID: mctx.IssueID, Repo: mctx.Repo, Title: mctx.Title,
		Description: mctx.Description, AcceptanceCriteria: mctx.AcceptanceCriteria, Design: mctx.Design,
	})
	if err != nil {
		return fmt.Errorf("issuecontroller: marshaling execution instructions: %w", err)
	}

	startedAt := time.Now()
	if err := c.DB.PutExecutionSession(store.ExecutionSession{SessionID: sessionID, IssueID: c.IssueID, Agent: mctx.AssignedAgent, StartedAt: startedAt}); err != nil {
		return fmt.Errorf("issuecontroller: recording session %s: %w", sessionID, err)
	}

	// The sandbox session outlives this request: Submit and its event pump
	// run against c.background, not the handler's ctx, which net/http
	// cancels the instant this goroutine's caller returns.
	events, err := c.Sandbox.Submit(c.background, sandbox.Task{
		SessionID: sessionID, Credential: mctx.AgentCredential,
		Instructions: string(prefix) + "\n---\n" + mctx.Description,
		Stream: true, Timeout: executionTimeout, MaxSteps: executionMaxSteps,
	})
	if err != nil {
		clog.FromContext(ctx).Errorf("issuecontroller: submitting session %s: %v", sessionID, err)
		return c.sendLocked(ctx, statemachine.Event{Name: "FAILED", Data: FailedData{Error: err.Error()}})
	}

	go c.pumpEvents(c.background, sessionID, events)
	return nil
}

// pumpEvents drains the sandbox event stream, recording and broadcasting
// each event, and on a terminal event re-enters the controller to drive
// the corresponding state transition.
func (c *Controller) pumpEvents(ctx context.Context, sessionID string, events <-chan sandbox.Event) {
	for ev := range events {
		payload, _ := json.Marshal(ev)
		if err := c.DB.AppendAgentEvent(store.AgentEvent{SessionID: sessionID, EventType: ev.Type, Payload: string(payload), CreatedAt: time.Now()}); err != nil {
			clog.FromContext(ctx).Errorf("issuecontroller: recording agent event for %s: %v", sessionID, err)
		}

		c.mu.Lock()
		c.broadcast(Broadcast{Type: "agent_event", SessionID: sessionID, Event: &ev})
		c.mu.Unlock()

		switch ev.Type {
		case "completed":
			c.finishSession(ctx, sessionID, ev, nil)
		case "failed":
			c.finishSession(ctx, sessionID, ev, nil)
		case "timeout":
			c.finishSession(ctx, sessionID, ev, nil)
		}
	}
}

func extractArtifacts(artifacts []sandbox.Artifact) (prNumber *int, commits []store.CommitRef, testResults store.TestResults) {
	for _, a := range artifacts {
		switch a.Type {
		case "pr":
			if prNumber == nil {
				if idx := strings.LastIndexByte(a.Ref, '#'); idx >= 0 {
					if n, err := strconv.Atoi(a.Ref[idx+1:]); err == nil {
						prNumber = &n
					}
				}
			}
		case "commit":
			commits = append(commits, store.CommitRef{SHA: a.SHA, Message: a.Message})
		}
	}
	return prNumber, commits, testResults
}

func (c *Controller) finishSession(ctx context.Context, sessionID string, ev sandbox.Event, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Context().SessionID != sessionID || c.machine.State() != "executing" {
		return // stale event from a superseded session; ignore
	}

	now := time.Now()
	prNumber, commits, testResults := extractArtifacts(ev.Artifacts)
	outcome := ev.Type
	if err := c.DB.PutExecutionSession(store.ExecutionSession{
		SessionID: sessionID, IssueID: c.IssueID, CompletedAt: &now, PRNumber: prNumber,
		Commits: commits, TestResults: testResults, Outcome: outcome, Error: ev.Error,
	}); err != nil {
		clog.FromContext(ctx).Errorf("issuecontroller: updating session %s: %v", sessionID, err)
	}

	var sendErr error
	switch ev.Type {
	case "completed":
		sendErr = c.send(ctx, statemachine.Event{Name: "COMPLETED", Data: CompletedData{PRNumber: prNumber, Commits: commits, TestResults: testResults}})
	case "timeout":
		sendErr = c.send(ctx, statemachine.Event{Name: "TIMEOUT", Data: FailedData{Error: "execution timed out"}})
	default:
		sendErr = c.send(ctx, statemachine.Event{Name: "FAILED", Data: FailedData{Error: ev.Error}})
	}
	if sendErr != nil {
		clog.FromContext(ctx).Errorf("issuecontroller: advancing %s after session %s: %v", c.IssueID, sessionID, sendErr)
	}
}

func (c *Controller) handleScheduleAlarm(data ScheduleAlarmData) error {
	if c.Alarms == nil {
		return nil
	}
	return c.Alarms.Arm("issue", c.IssueID, "RETRY", time.Duration(data.DelayMillis)*time.Millisecond)
}

// onAlarm is the alarm.Handler registered for entity type "issue"
// (spec.md §4.4 "Retry backoff"): fires RETRY only if the machine is
// still in executing; otherwise the alarm is stale and ignored.
func (c *Controller) onAlarm(ctx context.Context, entityRef, event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() != "executing" {
		clog.FromContext(ctx).Infof("issuecontroller: ignoring stale %s alarm for %s (now in %s)", event, entityRef, c.machine.State())
		return nil
	}
	return c.send(ctx, statemachine.Event{Name: event})
}

// verificationCheck is one ordered pass/fail gate (spec.md §4.4
// "Verification").
type verificationCheck struct {
	name string
	ok   func(ctx *Context) bool
}

var verificationChecks = []verificationCheck{
	{"pr_exists", func(ctx *Context) bool { return ctx.PRNumber != nil }},
	{"tests_passed", func(ctx *Context) bool { return ctx.TestResults.Failed == 0 }},
	{"has_commits", func(ctx *Context) bool { return len(ctx.Commits) > 0 }},
}

func (c *Controller) handleVerifyResults(ctx context.Context) error {
	mctx := c.machine.Context()
	attempt := mctx.VerificationAttempts + 1

	for _, check := range verificationChecks {
		if !check.ok(mctx) {
			if err := c.DB.AppendVerification(store.Verification{IssueID: c.IssueID, Attempt: attempt, Passed: false, Reason: check.name, CreatedAt: time.Now()}); err != nil {
				return err
			}
			return c.sendLocked(ctx, statemachine.Event{Name: "REJECTED", Data: RejectedData{Reason: check.name}})
		}
	}

	if err := c.DB.AppendVerification(store.Verification{IssueID: c.IssueID, Attempt: attempt, Passed: true, CreatedAt: time.Now()}); err != nil {
		return err
	}
	return c.sendLocked(ctx, statemachine.Event{Name: "VERIFIED"})
}

// sendLocked is send, but callable from within drain where c.mu is already
// held (drain's callers call send, which calls drain, which calls
// handlers that need to call send again — this is the same goroutine
// re-entering, not concurrent access, so it does not use Lock itself).
func (c *Controller) sendLocked(ctx context.Context, ev statemachine.Event) error {
	return c.send(ctx, ev)
}
