/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReviewDecision is the outcome a reviewer records (spec.md §3, ReviewOutcome).
type ReviewDecision string

const (
	DecisionApproved         ReviewDecision = "approved"
	DecisionChangesRequested ReviewDecision = "changes_requested"
)

// ReviewSession records one dispatch of a reviewer or fix agent against a PR.
type ReviewSession struct {
	PRNumber    int
	Reviewer    string
	SessionID   string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// PutReviewSession inserts a new review session row.
func (db *DB) PutReviewSession(s ReviewSession) error {
	_, err := db.Exec(`INSERT INTO review_sessions (pr_number, reviewer, session_id, started_at, completed_at) VALUES (?,?,?,?,?)`,
		s.PRNumber, s.Reviewer, s.SessionID, formatTime(s.StartedAt), formatTimePtr(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting review session for PR %d: %w", s.PRNumber, err)
	}
	return nil
}

// ReviewOutcome is an append-only record of one reviewer's decision
// (spec.md §3, ReviewOutcome).
type ReviewOutcome struct {
	PRNumber    int
	Reviewer    string
	Decision    ReviewDecision
	Comment     string
	Escalations []string
	CreatedAt   time.Time
}

// AppendReviewOutcome records a reviewer decision.
func (db *DB) AppendReviewOutcome(o ReviewOutcome) error {
	escJSON, err := json.Marshal(o.Escalations)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO review_outcomes (pr_number, reviewer, decision, comment, escalations, created_at) VALUES (?,?,?,?,?,?)`,
		o.PRNumber, o.Reviewer, string(o.Decision), o.Comment, string(escJSON), formatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending review outcome for PR %d: %w", o.PRNumber, err)
	}
	return nil
}

// ListReviewOutcomes returns every outcome recorded for prNumber in order.
func (db *DB) ListReviewOutcomes(prNumber int) ([]ReviewOutcome, error) {
	rows, err := db.Query(`SELECT pr_number, reviewer, decision, comment, escalations, created_at FROM review_outcomes WHERE pr_number = ? ORDER BY id ASC`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("listing review outcomes for PR %d: %w", prNumber, err)
	}
	defer rows.Close()

	var out []ReviewOutcome
	for rows.Next() {
		var o ReviewOutcome
		var decision, escJSON, createdAt string
		if err := rows.Scan(&o.PRNumber, &o.Reviewer, &decision, &o.Comment, &escJSON, &createdAt); err != nil {
			return nil, err
		}
		o.Decision = ReviewDecision(decision)
		if err := json.Unmarshal([]byte(escJSON), &o.Escalations); err != nil {
			return nil, err
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
