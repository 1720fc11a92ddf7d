/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prcontroller

import "github.com/devflow/orchestrator/internal/statemachine"

// Context is the PRReview state (spec.md §3).
type Context struct {
	PRNumber       int    `json:"pr_number"`
	RepoFullName   string `json:"repo_full_name"`
	InstallationID int64  `json:"installation_id"`
	AuthorAgent    string `json:"author_agent"`
	AuthorCredential string `json:"author_credential"`

	Reviewers            []ReviewerConfig `json:"reviewers"`
	CurrentReviewerIndex int              `json:"current_reviewer_index"`
	CurrentSessionID     string           `json:"current_session_id"`
	ReviewOutcomes       []ReviewOutcome  `json:"review_outcomes,omitempty"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`

	MergeType string `json:"merge_type,omitempty"` // auto|approved|forced|""

	ApprovalGates        ApprovalGateConfig `json:"approval_gates"`
	RiskAssessment       *RiskAssessment    `json:"risk_assessment,omitempty"`
	HumanApprovalGranted bool               `json:"human_approval_granted"`
	HumanApprover        string             `json:"human_approver,omitempty"`

	IssueLabels  []string `json:"issue_labels,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`

	pendingActions []statemachine.PendingAction
}

// Actions implements statemachine.Context.
func (c *Context) Actions() *[]statemachine.PendingAction { return &c.pendingActions }

// CurrentReviewer returns the reviewer at CurrentReviewerIndex, or the
// zero value when the index is out of range.
func (c *Context) CurrentReviewer() ReviewerConfig {
	if c.CurrentReviewerIndex < 0 || c.CurrentReviewerIndex >= len(c.Reviewers) {
		return ReviewerConfig{}
	}
	return c.Reviewers[c.CurrentReviewerIndex]
}

// Pending-action type names (spec.md §4.5).
const (
	ActionDispatchReview  = "dispatch_review"
	ActionDispatchFix     = "dispatch_fix"
	ActionScheduleRetry   = "schedule_retry"
	ActionCheckApproval   = "check_approval"
	ActionEvaluateGate    = "evaluate_gate"
	ActionPerformMerge    = "perform_merge"
)

// DispatchReviewData is the payload of a dispatch_review pending action.
type DispatchReviewData struct {
	Reviewer ReviewerConfig `json:"reviewer"`
}

// DispatchFixData is the payload of a dispatch_fix pending action.
type DispatchFixData struct {
	Outcome ReviewOutcome `json:"outcome"`
}

// ScheduleRetryData is the payload of a schedule_retry pending action.
type ScheduleRetryData struct {
	DelayMillis int64 `json:"delay_millis"`
}
