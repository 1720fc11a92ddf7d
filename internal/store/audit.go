/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"fmt"
	"time"
)

// AuditEntry is one append-only row (spec.md §3, "Audit log"). No code
// path in this package issues UPDATE or DELETE against audit_log.
type AuditEntry struct {
	Action    string
	EntityRef string
	SessionID string
	Details   string
	CreatedAt time.Time
}

// AppendAudit inserts a new audit_log row. The table is append-only by
// construction: this package exposes no update/delete for it.
func (db *DB) AppendAudit(e AuditEntry) error {
	_, err := db.Exec(`INSERT INTO audit_log (action, entity_ref, session_id, details, created_at) VALUES (?,?,?,?,?)`,
		e.Action, e.EntityRef, e.SessionID, e.Details, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending audit entry %q for %s: %w", e.Action, e.EntityRef, err)
	}
	return nil
}

// ListAudit returns every audit entry for entityRef in chronological order.
func (db *DB) ListAudit(entityRef string) ([]AuditEntry, error) {
	rows, err := db.Query(`SELECT action, entity_ref, session_id, details, created_at FROM audit_log WHERE entity_ref = ? ORDER BY id ASC`, entityRef)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries for %s: %w", entityRef, err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt string
		if err := rows.Scan(&e.Action, &e.EntityRef, &e.SessionID, &e.Details, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SyncLogEntry records one reconciliation decision (created/updated/deleted,
// protection-window skip) for observability.
type SyncLogEntry struct {
	IssueID   string
	Action    string
	Details   string
	CreatedAt time.Time
}

// AppendSyncLog inserts a sync_log row.
func (db *DB) AppendSyncLog(e SyncLogEntry) error {
	_, err := db.Exec(`INSERT INTO sync_log (issue_id, action, details, created_at) VALUES (?,?,?,?)`,
		e.IssueID, e.Action, e.Details, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending sync log for %s: %w", e.IssueID, err)
	}
	return nil
}
