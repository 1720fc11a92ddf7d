/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prcontroller

import "github.com/devflow/orchestrator/internal/statemachine"

// ConfigLoadedData is the payload of a CONFIG_LOADED event.
type ConfigLoadedData struct {
	Gates        ApprovalGateConfig
	Risk         RiskAssessment
	IssueLabels  []string
	FilesChanged []string
}

// SessionStartedData is the payload of a SESSION_STARTED event.
type SessionStartedData struct{ SessionID string }

// SessionFailedData is the payload of a SESSION_FAILED event.
type SessionFailedData struct{ Error string }

// ReviewCompleteData is the payload of a REVIEW_COMPLETE event.
type ReviewCompleteData struct {
	Decision string // "approved" | "changes_requested"
	Comment  string
	Timestamp string
}

// HumanApprovalData is the payload of a HUMAN_APPROVAL event.
type HumanApprovalData struct {
	Approved bool
	Approver string
}

// CloseData is the payload of a CLOSE event.
type CloseData struct{ Merged bool }

const maxReviewRetries = 3

func reviewRetriesLeft(ctx *Context, _ statemachine.Event) bool  { return ctx.RetryCount < maxReviewRetries }
func reviewNoRetriesLeft(ctx *Context, ev statemachine.Event) bool { return !reviewRetriesLeft(ctx, ev) }

func reviewApproved(ctx *Context, ev statemachine.Event) bool {
	return ev.Data.(ReviewCompleteData).Decision == "approved"
}
func reviewChangesRequested(ctx *Context, ev statemachine.Event) bool {
	return !reviewApproved(ctx, ev)
}

func hasMoreReviewers(ctx *Context, _ statemachine.Event) bool {
	return ctx.CurrentReviewerIndex+1 < len(ctx.Reviewers)
}
func allReviewersApproved(ctx *Context, ev statemachine.Event) bool { return !hasMoreReviewers(ctx, ev) }

func gateAllowsAutoMerge(ctx *Context, _ statemachine.Event) bool {
	return canAutoMerge(ctx.ApprovalGates, ctx.RiskAssessment, ctx.IssueLabels, ctx.HumanApprovalGranted)
}
func gateRequiresApproval(ctx *Context, ev statemachine.Event) bool {
	if gateAllowsAutoMerge(ctx, ev) {
		return false
	}
	return true
}

func humanApproved(ctx *Context, ev statemachine.Event) bool {
	return ev.Data.(HumanApprovalData).Approved
}
func humanDenied(ctx *Context, ev statemachine.Event) bool { return !humanApproved(ctx, ev) }

func closeMerged(ctx *Context, ev statemachine.Event) bool  { return ev.Data.(CloseData).Merged }
func closeNotMerged(ctx *Context, ev statemachine.Event) bool { return !closeMerged(ctx, ev) }

func loadConfigEntry(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(ConfigLoadedData)
	ctx.ApprovalGates = data.Gates
	risk := data.Risk
	ctx.RiskAssessment = &risk
	ctx.IssueLabels = data.IssueLabels
	ctx.FilesChanged = data.FilesChanged
	ctx.CurrentReviewerIndex = 0
}

func dispatchReviewEntry(ctx *Context, _ statemachine.Event) {
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{
		Type: ActionDispatchReview,
		Data: DispatchReviewData{Reviewer: ctx.CurrentReviewer()},
	})
}

func recordSessionStarted(ctx *Context, ev statemachine.Event) {
	ctx.CurrentSessionID = ev.Data.(SessionStartedData).SessionID
}

func scheduleReviewRetry(ctx *Context, ev statemachine.Event) {
	ctx.LastError = ev.Data.(SessionFailedData).Error
	ctx.RetryCount++
	delay := int64(1000 * (1 << uint(ctx.RetryCount-1)))
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionScheduleRetry, Data: ScheduleRetryData{DelayMillis: delay}})
}

func giveUpReview(ctx *Context, ev statemachine.Event) {
	ctx.LastError = ev.Data.(SessionFailedData).Error
}

func recordApprovedOutcome(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(ReviewCompleteData)
	ctx.ReviewOutcomes = append(ctx.ReviewOutcomes, ReviewOutcome{
		Reviewer: ctx.CurrentReviewer().Agent, Decision: "approved", Comment: data.Comment, Timestamp: data.Timestamp,
	})
}

func recordChangesRequestedAndEscalate(ctx *Context, ev statemachine.Event) {
	data := ev.Data.(ReviewCompleteData)
	reviewer := ctx.CurrentReviewer()
	targets := honoredEscalations(parseEscalations(data.Comment), reviewer.CanEscalate)
	before := len(ctx.Reviewers)
	ctx.Reviewers = insertEscalations(ctx.Reviewers, ctx.CurrentReviewerIndex, targets, reviewer.Credential)
	if len(ctx.Reviewers) > before {
		// insertEscalations spliced a new reviewer in immediately after
		// CurrentReviewerIndex; point there so the re-review fired by
		// FIX_COMPLETE dispatches the escalation target, not the original.
		ctx.CurrentReviewerIndex++
	}
	ctx.ReviewOutcomes = append(ctx.ReviewOutcomes, ReviewOutcome{
		Reviewer: reviewer.Agent, Decision: "changes_requested", Comment: data.Comment, Escalations: targets, Timestamp: data.Timestamp,
	})
}

func dispatchFixEntry(ctx *Context, _ statemachine.Event) {
	var outcome ReviewOutcome
	if n := len(ctx.ReviewOutcomes); n > 0 {
		outcome = ctx.ReviewOutcomes[n-1]
	}
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionDispatchFix, Data: DispatchFixData{Outcome: outcome}})
}

func resetRetryOnFixComplete(ctx *Context, _ statemachine.Event) {
	ctx.RetryCount = 0
}

func checkApprovalEntry(ctx *Context, _ statemachine.Event) {
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionCheckApproval})
}

func advanceReviewer(ctx *Context, _ statemachine.Event) {
	ctx.CurrentReviewerIndex++
}

func evaluateGateEntry(ctx *Context, _ statemachine.Event) {
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionEvaluateGate})
}

func recordApprovedMerge(ctx *Context, ev statemachine.Event) {
	ctx.HumanApprovalGranted = true
	ctx.HumanApprover = ev.Data.(HumanApprovalData).Approver
	ctx.MergeType = MergeTypeApproved
}

func recordAutoMergeType(ctx *Context, _ statemachine.Event) {
	if ctx.MergeType == "" {
		ctx.MergeType = MergeTypeAuto
	}
}

func performMergeEntry(ctx *Context, _ statemachine.Event) {
	ctx.pendingActions = append(ctx.pendingActions, statemachine.PendingAction{Type: ActionPerformMerge})
}

func recordForcedMerge(ctx *Context, _ statemachine.Event) {
	ctx.MergeType = MergeTypeForced
}

// closeTransitions returns the CLOSE transitions appended to every
// non-terminal state and to error: CLOSE routes to merged (forced) or
// closed depending on ev.Data.Merged (spec.md §4.5).
func closeTransitions() []statemachine.Transition[*Context] {
	return []statemachine.Transition[*Context]{
		{Event: "CLOSE", Guard: closeMerged, Target: "merged", Actions: []statemachine.Assign[*Context]{recordForcedMerge}},
		{Event: "CLOSE", Guard: closeNotMerged, Target: "closed"},
	}
}

// Definition builds the PRController state machine (spec.md §4.5).
func Definition() *statemachine.Definition[*Context] {
	return &statemachine.Definition[*Context]{
		Initial: "pending",
		States: map[string]*statemachine.StateNode[*Context]{
			"pending": {
				Name: "pending",
				Transitions: append([]statemachine.Transition[*Context]{
					{Event: "CONFIG_LOADED", Target: "reviewing", Actions: []statemachine.Assign[*Context]{loadConfigEntry}},
				}, closeTransitions()...),
			},
			"reviewing": {
				Name:  "reviewing",
				Entry: []statemachine.Assign[*Context]{dispatchReviewEntry},
				Transitions: append([]statemachine.Transition[*Context]{
					{Event: "SESSION_STARTED", Actions: []statemachine.Assign[*Context]{recordSessionStarted}},
					{Event: "SESSION_FAILED", Guard: reviewRetriesLeft, Actions: []statemachine.Assign[*Context]{scheduleReviewRetry}},
					{Event: "SESSION_FAILED", Guard: reviewNoRetriesLeft, Target: "error", Actions: []statemachine.Assign[*Context]{giveUpReview}},
					{Event: "RETRY", Target: "reviewing"},
					{Event: "REVIEW_COMPLETE", Guard: reviewApproved, Target: "checkingApproval", Actions: []statemachine.Assign[*Context]{recordApprovedOutcome}},
					{Event: "REVIEW_COMPLETE", Guard: reviewChangesRequested, Target: "fixing", Actions: []statemachine.Assign[*Context]{recordChangesRequestedAndEscalate}},
				}, closeTransitions()...),
			},
			"fixing": {
				Name:  "fixing",
				Entry: []statemachine.Assign[*Context]{dispatchFixEntry},
				Transitions: append([]statemachine.Transition[*Context]{
					{Event: "FIX_COMPLETE", Target: "reviewing", Actions: []statemachine.Assign[*Context]{resetRetryOnFixComplete}},
				}, closeTransitions()...),
			},
			"checkingApproval": {
				Name:  "checkingApproval",
				Entry: []statemachine.Assign[*Context]{checkApprovalEntry},
				Transitions: append([]statemachine.Transition[*Context]{
					{Event: "MORE_REVIEWERS", Guard: hasMoreReviewers, Target: "reviewing", Actions: []statemachine.Assign[*Context]{advanceReviewer}},
					{Event: "ALL_APPROVED", Guard: allReviewersApproved, Target: "approved"},
				}, closeTransitions()...),
			},
			"approved": {
				Name:  "approved",
				Entry: []statemachine.Assign[*Context]{evaluateGateEntry},
				Transitions: append([]statemachine.Transition[*Context]{
					{Event: "EVALUATE_GATE", Guard: gateAllowsAutoMerge, Target: "merging", Actions: []statemachine.Assign[*Context]{recordAutoMergeType}},
					{Event: "EVALUATE_GATE", Guard: gateRequiresApproval, Target: "awaiting_approval"},
				}, closeTransitions()...),
			},
			"awaiting_approval": {
				Name: "awaiting_approval",
				Transitions: append([]statemachine.Transition[*Context]{
					{Event: "HUMAN_APPROVAL", Guard: humanApproved, Target: "merging", Actions: []statemachine.Assign[*Context]{recordApprovedMerge}},
					{Event: "HUMAN_APPROVAL", Guard: humanDenied, Target: "closed"},
				}, closeTransitions()...),
			},
			"merging": {
				Name:  "merging",
				Entry: []statemachine.Assign[*Context]{performMergeEntry},
				Transitions: append([]statemachine.Transition[*Context]{
					{Event: "MERGED", Target: "merged"},
				}, closeTransitions()...),
			},
			"merged": {Name: "merged", Terminal: true},
			"closed": {Name: "closed", Terminal: true},
			"error":  {Name: "error", Terminal: true, Transitions: closeTransitions()},
		},
	}
}
