/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package issuecontroller

import (
	"github.com/devflow/orchestrator/internal/statemachine"
	"github.com/devflow/orchestrator/internal/store"
)

// ToolsReadyData is the payload of a TOOLS_READY event.
type ToolsReadyData struct{ Available []string }

// ToolsMissingData is the payload of a TOOLS_MISSING event.
type ToolsMissingData struct{ Missing []string }

// CompletedData is the payload of a COMPLETED event (spec.md §4.4).
type CompletedData struct {
	PRNumber    *int
	Commits     []store.CommitRef
	TestResults store.TestResults
}

// FailedData is the payload of a FAILED or TIMEOUT event.
type FailedData struct{ Error string }

// RejectedData is the payload of a REJECTED event.
type RejectedData struct{ Reason string }

func retriesLeft(ctx *Context, _ statemachine.Event) bool  { return ctx.ErrorCount < ctx.MaxRetries }
func noRetriesLeft(ctx *Context, ev statemachine.Event) bool { return !retriesLeft(ctx, ev) }

// Guards run before recordRejection increments VerificationAttempts, so the
// +1 counts the rejection being handled: the third one goes to failed.
func attemptsUnder3(ctx *Context, _ statemachine.Event) bool { return ctx.VerificationAttempts+1 < 3 }
func attemptsAtLeast3(ctx *Context, ev statemachine.Event) bool { return !attemptsUnder3(ctx, ev) }

func checkToolsEntry(ctx *Context, _ statemachine.Event) {
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{
		Type: ActionCheckTools,
		Data: CheckToolsData{Agent: ctx.AssignedAgent, RequiredTools: ctx.RequiredTools},
	})
}

func recordAvailable(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(ToolsReadyData)
	ctx.AvailableTools = data.Available
	ctx.MissingTools = nil
}

func recordMissing(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(ToolsMissingData)
	ctx.MissingTools = data.Missing
}

func executeTaskEntry(ctx *Context, _ statemachine.Event) {
	ctx.PRNumber = nil
	ctx.Commits = nil
	ctx.TestResults = store.TestResults{}
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionExecuteTask, Data: ExecuteTaskData{}})
}

func recordCompleted(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(CompletedData)
	ctx.PRNumber = data.PRNumber
	ctx.Commits = data.Commits
	ctx.TestResults = data.TestResults
}

func scheduleRetry(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(FailedData)
	ctx.LastError = data.Error
	ctx.ErrorCount++
	delay := int64(1000 * (1 << uint(ctx.ErrorCount-1)))
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionScheduleAlarm, Data: ScheduleAlarmData{DelayMillis: delay}})
}

func giveUpExecution(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(FailedData)
	ctx.LastError = data.Error
}

func verifyResultsEntry(ctx *Context, _ statemachine.Event) {
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionVerifyResults})
}

func recordRejection(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(RejectedData)
	ctx.VerificationAttempts++
	ctx.VerificationErrors = append(ctx.VerificationErrors, data.Reason)
}

func markCancelled(ctx *Context, _ statemachine.Event) {
	ctx.LastError = "Cancelled"
}

// cancelTransition is appended to every non-terminal state: CANCEL always
// drives to failed (spec.md §4.4, §5).
func cancelTransition() statemachine.Transition[*Context] {
	return statemachine.Transition[*Context]{Event: "CANCEL", Target: "failed", Actions: []statemachine.Assign[*Context]{markCancelled}}
}

// Definition builds the IssueController state machine (spec.md §4.4).
func Definition() *statemachine.Definition[*Context] {
	return &statemachine.Definition[*Context]{
		Initial: "idle",
		States: map[string]*statemachine.StateNode[*Context]{
			"idle": {
				Name: "idle",
				Transitions: []statemachine.Transition[*Context]{
					{Event: "ASSIGN_AGENT", Target: "preparing"},
					cancelTransition(),
				},
			},
			"preparing": {
				Name:  "preparing",
				Entry: []statemachine.Assign[*Context]{checkToolsEntry},
				Transitions: []statemachine.Transition[*Context]{
					{Event: "TOOLS_READY", Target: "executing", Actions: []statemachine.Assign[*Context]{recordAvailable}},
					{Event: "TOOLS_MISSING", Target: "blocked", Actions: []statemachine.Assign[*Context]{recordMissing}},
					cancelTransition(),
				},
			},
			"blocked": {
				Name: "blocked",
				Transitions: []statemachine.Transition[*Context]{
					{Event: "TOOLS_READY", Target: "executing", Actions: []statemachine.Assign[*Context]{recordAvailable}},
					cancelTransition(),
				},
			},
			"executing": {
				Name:  "executing",
				Entry: []statemachine.Assign[*Context]{executeTaskEntry},
				Transitions: []statemachine.Transition[*Context]{
					{Event: "COMPLETED", Target: "verifying", Actions: []statemachine.Assign[*Context]{recordCompleted}},
					{Event: "FAILED", Guard: retriesLeft, Actions: []statemachine.Assign[*Context]{scheduleRetry}},
					{Event: "TIMEOUT", Guard: retriesLeft, Actions: []statemachine.Assign[*Context]{scheduleRetry}},
					{Event: "FAILED", Guard: noRetriesLeft, Target: "failed", Actions: []statemachine.Assign[*Context]{giveUpExecution}},
					{Event: "TIMEOUT", Guard: noRetriesLeft, Target: "failed", Actions: []statemachine.Assign[*Context]{giveUpExecution}},
					{Event: "RETRY", Target: "executing"},
					cancelTransition(),
				},
			},
			"verifying": {
				Name:  "verifying",
				Entry: []statemachine.Assign[*Context]{verifyResultsEntry},
				Transitions: []statemachine.Transition[*Context]{
					{Event: "VERIFIED", Target: "done"},
					{Event: "REJECTED", Guard: attemptsUnder3, Target: "executing", Actions: []statemachine.Assign[*Context]{recordRejection}},
					{Event: "REJECTED", Guard: attemptsAtLeast3, Target: "failed", Actions: []statemachine.Assign[*Context]{recordRejection}},
					cancelTransition(),
				},
			},
			"done":   {Name: "done", Terminal: true},
			"failed": {Name: "failed", Terminal: true},
		},
	}
}
