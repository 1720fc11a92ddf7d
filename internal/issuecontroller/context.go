/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package issuecontroller drives one issue through
// idle → preparing → executing → verifying → done (spec.md §4.4), with
// blocked/failed side branches, on top of the generic statemachine
// kernel and the stateful-entity mirror base.
package issuecontroller

import (
	"github.com/devflow/orchestrator/internal/statemachine"
	"github.com/devflow/orchestrator/internal/store"
)

// Context is the IssueExecution state (spec.md §3).
type Context struct {
	IssueID        string   `json:"issue_id"`
	Repo           string   `json:"repo"`
	InstallationID int64    `json:"installation_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
	Design         string   `json:"design"`

	AssignedAgent     string   `json:"assigned_agent"`
	AgentCredential   string   `json:"agent_credential"`
	RequiredTools     []string `json:"required_tools"`
	AvailableTools    []string `json:"available_tools"`
	MissingTools      []string `json:"missing_tools"`

	SessionID   string              `json:"session_id"`
	PRNumber    *int                `json:"pr_number,omitempty"`
	Commits     []store.CommitRef   `json:"commits,omitempty"`
	TestResults store.TestResults   `json:"test_results"`

	ErrorCount            int    `json:"error_count"`
	LastError             string `json:"last_error"`
	MaxRetries            int    `json:"max_retries"`
	VerificationAttempts  int    `json:"verification_attempts"`
	VerificationErrors    []string `json:"verification_errors,omitempty"`

	pendingActions []statemachine.PendingAction
}

// Actions implements statemachine.Context.
func (c *Context) Actions() *[]statemachine.PendingAction { return &c.pendingActions }

// Pending-action type names (spec.md §4.2, §4.4).
const (
	ActionCheckTools    = "check_tools"
	ActionExecuteTask   = "execute_task"
	ActionScheduleAlarm = "schedule_alarm"
	ActionVerifyResults = "verify_results"
)

// CheckToolsData is the payload of a check_tools pending action.
type CheckToolsData struct {
	Agent         string   `json:"agent"`
	RequiredTools []string `json:"required_tools"`
}

// ExecuteTaskData is the payload of an execute_task pending action.
type ExecuteTaskData struct{}

// ScheduleAlarmData is the payload of a schedule_alarm pending action.
type ScheduleAlarmData struct {
	DelayMillis int64 `json:"delay_millis"`
}
