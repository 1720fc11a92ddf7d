/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TestResults mirrors the IssueExecution.test_results shape (spec.md §3).
type TestResults struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// CommitRef is one artifact of type "commit" extracted from an execution.
type CommitRef struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// ExecutionSession is one row of the execution_sessions table: a single
// dispatch of an agent against an issue.
type ExecutionSession struct {
	SessionID   string
	IssueID     string
	Agent       string
	StartedAt   time.Time
	CompletedAt *time.Time
	PRNumber    *int
	Commits     []CommitRef
	TestResults TestResults
	Outcome     string // "", "completed", "failed", "timeout"
	Error       string
}

// PutExecutionSession upserts a session row keyed by session_id.
func (db *DB) PutExecutionSession(s ExecutionSession) error {
	commitsJSON, err := json.Marshal(s.Commits)
	if err != nil {
		return fmt.Errorf("marshaling commits for session %s: %w", s.SessionID, err)
	}
	testJSON, err := json.Marshal(s.TestResults)
	if err != nil {
		return fmt.Errorf("marshaling test results for session %s: %w", s.SessionID, err)
	}
	_, err = db.Exec(`
		INSERT INTO execution_sessions (session_id, issue_id, agent, started_at, completed_at, pr_number, commits, test_results, outcome, error)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			completed_at=excluded.completed_at, pr_number=excluded.pr_number,
			commits=excluded.commits, test_results=excluded.test_results,
			outcome=excluded.outcome, error=excluded.error`,
		s.SessionID, s.IssueID, s.Agent, formatTime(s.StartedAt), formatTimePtr(s.CompletedAt),
		s.PRNumber, string(commitsJSON), string(testJSON), s.Outcome, s.Error,
	)
	if err != nil {
		return fmt.Errorf("upserting execution session %s: %w", s.SessionID, err)
	}
	return nil
}

// ListSessions returns the last n execution sessions for issueID, most
// recent first.
func (db *DB) ListSessions(issueID string, n int) ([]ExecutionSession, error) {
	rows, err := db.Query(`
		SELECT session_id, issue_id, agent, started_at, completed_at, pr_number, commits, test_results, outcome, error
		FROM execution_sessions WHERE issue_id = ? ORDER BY started_at DESC LIMIT ?`, issueID, n)
	if err != nil {
		return nil, fmt.Errorf("listing sessions for %s: %w", issueID, err)
	}
	defer rows.Close()

	var out []ExecutionSession
	for rows.Next() {
		var (
			s                     ExecutionSession
			startedAt             string
			completedAt           sql.NullString
			commitsJSON, testJSON string
		)
		if err := rows.Scan(&s.SessionID, &s.IssueID, &s.Agent, &startedAt, &completedAt, &s.PRNumber, &commitsJSON, &testJSON, &s.Outcome, &s.Error); err != nil {
			return nil, err
		}
		if s.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			s.CompletedAt = &t
		}
		if err := json.Unmarshal([]byte(commitsJSON), &s.Commits); err != nil {
			return nil, fmt.Errorf("unmarshaling commits for session %s: %w", s.SessionID, err)
		}
		if err := json.Unmarshal([]byte(testJSON), &s.TestResults); err != nil {
			return nil, fmt.Errorf("unmarshaling test results for session %s: %w", s.SessionID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AgentEvent is one streamed event recorded by IssueController during
// execution (spec.md §4.4).
type AgentEvent struct {
	SessionID string
	EventType string
	Payload   string
	CreatedAt time.Time
}

// AppendAgentEvent records one streamed agent event.
func (db *DB) AppendAgentEvent(e AgentEvent) error {
	_, err := db.Exec(`INSERT INTO agent_events (session_id, event_type, payload, created_at) VALUES (?,?,?,?)`,
		e.SessionID, e.EventType, e.Payload, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending agent event for session %s: %w", e.SessionID, err)
	}
	return nil
}

// ListAgentEvents returns every event for sessionID in ascending timestamp
// order (spec.md §6, GET /events/:session_id).
func (db *DB) ListAgentEvents(sessionID string) ([]AgentEvent, error) {
	rows, err := db.Query(`SELECT session_id, event_type, payload, created_at FROM agent_events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing agent events for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []AgentEvent
	for rows.Next() {
		var e AgentEvent
		var createdAt string
		if err := rows.Scan(&e.SessionID, &e.EventType, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ToolCheck records one tool-availability evaluation.
type ToolCheck struct {
	IssueID   string
	Available []string
	Missing   []string
	CreatedAt time.Time
}

// AppendToolCheck records a tool-availability check.
func (db *DB) AppendToolCheck(c ToolCheck) error {
	availJSON, err := json.Marshal(c.Available)
	if err != nil {
		return err
	}
	missJSON, err := json.Marshal(c.Missing)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO tool_checks (issue_id, available, missing, created_at) VALUES (?,?,?,?)`,
		c.IssueID, string(availJSON), string(missJSON), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending tool check for %s: %w", c.IssueID, err)
	}
	return nil
}

// ListToolChecks returns every tool check recorded for issueID.
func (db *DB) ListToolChecks(issueID string) ([]ToolCheck, error) {
	rows, err := db.Query(`SELECT issue_id, available, missing, created_at FROM tool_checks WHERE issue_id = ? ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing tool checks for %s: %w", issueID, err)
	}
	defer rows.Close()

	var out []ToolCheck
	for rows.Next() {
		var c ToolCheck
		var availJSON, missJSON, createdAt string
		if err := rows.Scan(&c.IssueID, &availJSON, &missJSON, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(availJSON), &c.Available); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(missJSON), &c.Missing); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Verification records one verify_results pass/fail decision.
type Verification struct {
	IssueID   string
	Attempt   int
	Passed    bool
	Reason    string
	CreatedAt time.Time
}

// AppendVerification records a verification attempt.
func (db *DB) AppendVerification(v Verification) error {
	passed := 0
	if v.Passed {
		passed = 1
	}
	_, err := db.Exec(`INSERT INTO verifications (issue_id, attempt, passed, reason, created_at) VALUES (?,?,?,?,?)`,
		v.IssueID, v.Attempt, passed, v.Reason, formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending verification for %s: %w", v.IssueID, err)
	}
	return nil
}

// ListVerifications returns every verification attempt for issueID.
func (db *DB) ListVerifications(issueID string) ([]Verification, error) {
	rows, err := db.Query(`SELECT issue_id, attempt, passed, reason, created_at FROM verifications WHERE issue_id = ? ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing verifications for %s: %w", issueID, err)
	}
	defer rows.Close()

	var out []Verification
	for rows.Next() {
		var v Verification
		var passed int
		var createdAt string
		if err := rows.Scan(&v.IssueID, &v.Attempt, &passed, &v.Reason, &createdAt); err != nil {
			return nil, err
		}
		v.Passed = passed != 0
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// StateTransition records one state-machine transition for history/debugging.
type StateTransition struct {
	EntityRef string
	FromState string
	ToState   string
	Event     string
	CreatedAt time.Time
}

// AppendStateTransition records one transition.
func (db *DB) AppendStateTransition(t StateTransition) error {
	_, err := db.Exec(`INSERT INTO state_transitions (entity_ref, from_state, to_state, event, created_at) VALUES (?,?,?,?,?)`,
		t.EntityRef, t.FromState, t.ToState, t.Event, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending state transition for %s: %w", t.EntityRef, err)
	}
	return nil
}

// ListTransitions returns the last n transitions for entityRef, most
// recent first (spec.md §4.4, GET /transitions).
func (db *DB) ListTransitions(entityRef string, n int) ([]StateTransition, error) {
	rows, err := db.Query(`SELECT entity_ref, from_state, to_state, event, created_at FROM state_transitions WHERE entity_ref = ? ORDER BY id DESC LIMIT ?`, entityRef, n)
	if err != nil {
		return nil, fmt.Errorf("listing transitions for %s: %w", entityRef, err)
	}
	defer rows.Close()

	var out []StateTransition
	for rows.Next() {
		var t StateTransition
		var createdAt string
		if err := rows.Scan(&t.EntityRef, &t.FromState, &t.ToState, &t.Event, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
