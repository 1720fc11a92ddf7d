/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an Issue (spec.md §3).
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// IssueType classifies the kind of work an Issue represents.
type IssueType string

const (
	TypeBug    IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeTask   IssueType = "task"
	TypeEpic   IssueType = "epic"
	TypeChore  IssueType = "chore"
)

// DependencyType names the relationship a Dependency row expresses.
type DependencyType string

const (
	DepBlocks          DependencyType = "blocks"
	DepRelated         DependencyType = "related"
	DepParentChild     DependencyType = "parent-child"
	DepDiscoveredFrom  DependencyType = "discovered-from"
)

// Issue is the primary entity of the repo/backlog/internal-store
// reconciliation triangle (spec.md §3).
type Issue struct {
	ID                 string
	Title               string
	Description         string
	Design               string
	AcceptanceCriteria    string
	Notes                 string
	Status               Status
	Priority             int
	IssueType            IssueType
	Assignee             *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ClosedAt             *time.Time
	CloseReason          string
	HostNumber           *int
	HostID               *int
	LastSyncAt           *time.Time

	Labels       []string
	Dependencies []Dependency
}

// Dependency is an edge in the issue dependency graph (spec.md §3).
type Dependency struct {
	IssueID     string
	DependsOnID string
	Type        DependencyType
}

// Comment is a free-text note attached to an issue.
type Comment struct {
	ID        int64
	IssueID   string
	Author    string
	Body      string
	CreatedAt time.Time
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ErrNotFound is returned when a lookup by primary key finds no row.
var ErrNotFound = errors.New("store: not found")

// UpsertIssue inserts issue or, if an issue with the same ID already
// exists, overwrites its content/lifecycle fields. Labels are replaced
// wholesale; dependencies are left untouched (dependency mutation is a
// distinct operation) unless the caller also calls ReplaceDependencies.
func (db *DB) UpsertIssue(issue *Issue) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert issue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO issues (id, title, description, design, acceptance_criteria, notes,
			status, priority, issue_type, assignee, created_at, updated_at, closed_at,
			close_reason, host_number, host_id, last_sync_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, design=excluded.design,
			acceptance_criteria=excluded.acceptance_criteria, notes=excluded.notes,
			status=excluded.status, priority=excluded.priority, issue_type=excluded.issue_type,
			assignee=excluded.assignee, updated_at=excluded.updated_at, closed_at=excluded.closed_at,
			close_reason=excluded.close_reason, host_number=excluded.host_number,
			host_id=excluded.host_id, last_sync_at=excluded.last_sync_at`,
		issue.ID, issue.Title, issue.Description, issue.Design, issue.AcceptanceCriteria, issue.Notes,
		string(issue.Status), issue.Priority, string(issue.IssueType), issue.Assignee,
		formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt), formatTimePtr(issue.ClosedAt),
		issue.CloseReason, issue.HostNumber, issue.HostID, formatTimePtr(issue.LastSyncAt),
	)
	if err != nil {
		return fmt.Errorf("upsert issue %s: %w", issue.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM labels WHERE issue_id = ?`, issue.ID); err != nil {
		return fmt.Errorf("clearing labels for %s: %w", issue.ID, err)
	}
	for _, label := range issue.Labels {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO labels (issue_id, name) VALUES (?, ?)`, issue.ID, label); err != nil {
			return fmt.Errorf("inserting label %q for %s: %w", label, issue.ID, err)
		}
	}

	return tx.Commit()
}

// ReplaceDependencies overwrites every dependency row for issue.ID with deps.
func (db *DB) ReplaceDependencies(issueID string, deps []Dependency) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace dependencies: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM dependencies WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("clearing dependencies for %s: %w", issueID, err)
	}
	for _, d := range deps {
		if _, err := tx.Exec(`INSERT INTO dependencies (issue_id, depends_on_id, type) VALUES (?,?,?)`,
			issueID, d.DependsOnID, string(d.Type)); err != nil {
			return fmt.Errorf("inserting dependency %s->%s for %s: %w", issueID, d.DependsOnID, issueID, err)
		}
	}
	return tx.Commit()
}

// DeleteIssue removes issue and its labels/dependencies (cascade).
func (db *DB) DeleteIssue(id string) error {
	_, err := db.Exec(`DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting issue %s: %w", id, err)
	}
	return nil
}

func scanIssueRow(row interface {
	Scan(dest ...any) error
}) (*Issue, error) {
	var (
		issue                                Issue
		status, issueType                    string
		assignee                             sql.NullString
		createdAt, updatedAt                 string
		closedAt, lastSyncAt                 sql.NullString
		hostNumber, hostID                   sql.NullInt64
	)
	if err := row.Scan(&issue.ID, &issue.Title, &issue.Description, &issue.Design,
		&issue.AcceptanceCriteria, &issue.Notes, &status, &issue.Priority, &issueType,
		&assignee, &createdAt, &updatedAt, &closedAt, &issue.CloseReason,
		&hostNumber, &hostID, &lastSyncAt); err != nil {
		return nil, err
	}
	issue.Status = Status(status)
	issue.IssueType = IssueType(issueType)
	if assignee.Valid {
		v := assignee.String
		issue.Assignee = &v
	}
	var err error
	if issue.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if issue.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if issue.ClosedAt, err = parseTimePtr(closedAt); err != nil {
		return nil, fmt.Errorf("parsing closed_at: %w", err)
	}
	if issue.LastSyncAt, err = parseTimePtr(lastSyncAt); err != nil {
		return nil, fmt.Errorf("parsing last_sync_at: %w", err)
	}
	if hostNumber.Valid {
		v := int(hostNumber.Int64)
		issue.HostNumber = &v
	}
	if hostID.Valid {
		v := int(hostID.Int64)
		issue.HostID = &v
	}
	return &issue, nil
}

const issueColumns = `id, title, description, design, acceptance_criteria, notes, status,
	priority, issue_type, assignee, created_at, updated_at, closed_at, close_reason,
	host_number, host_id, last_sync_at`

// GetIssue fetches a single issue with its labels and dependencies populated.
func (db *DB) GetIssue(id string) (*Issue, error) {
	row := db.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssueRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get issue %s: %w", id, err)
	}
	if err := db.hydrate(issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// GetIssueByHostNumber looks up an issue by its host issue number.
func (db *DB) GetIssueByHostNumber(hostNumber int) (*Issue, error) {
	row := db.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE host_number = ?`, hostNumber)
	issue, err := scanIssueRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get issue by host number %d: %w", hostNumber, err)
	}
	if err := db.hydrate(issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// FindByTitleNoHostNumber looks up an issue with a matching title among
// rows that have no host_number set yet. Used by on_host_issue's race
// resolution (spec.md §4.3).
func (db *DB) FindByTitleNoHostNumber(title string) (*Issue, error) {
	row := db.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE host_number IS NULL AND title = ? LIMIT 1`, title)
	issue, err := scanIssueRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find issue by title %q: %w", title, err)
	}
	if err := db.hydrate(issue); err != nil {
		return nil, err
	}
	return issue, nil
}

func (db *DB) hydrate(issue *Issue) error {
	labelRows, err := db.Query(`SELECT name FROM labels WHERE issue_id = ? ORDER BY name`, issue.ID)
	if err != nil {
		return fmt.Errorf("loading labels for %s: %w", issue.ID, err)
	}
	defer labelRows.Close()
	for labelRows.Next() {
		var name string
		if err := labelRows.Scan(&name); err != nil {
			return err
		}
		issue.Labels = append(issue.Labels, name)
	}
	if err := labelRows.Err(); err != nil {
		return err
	}

	depRows, err := db.Query(`SELECT issue_id, depends_on_id, type FROM dependencies WHERE issue_id = ?`, issue.ID)
	if err != nil {
		return fmt.Errorf("loading dependencies for %s: %w", issue.ID, err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var d Dependency
		var typ string
		if err := depRows.Scan(&d.IssueID, &d.DependsOnID, &typ); err != nil {
			return err
		}
		d.Type = DependencyType(typ)
		issue.Dependencies = append(issue.Dependencies, d)
	}
	return depRows.Err()
}

// ListAll returns every issue ordered by id, with labels/dependencies
// hydrated. Used by export and search.
func (db *DB) ListAll() ([]*Issue, error) {
	rows, err := db.Query(`SELECT ` + issueColumns + ` FROM issues ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning issue row: %w", err)
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, issue := range out {
		if err := db.hydrate(issue); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListReady returns issues that are open and have no unresolved "blocks"
// dependency, ordered priority ASC, updated_at DESC (spec.md §4.3).
func (db *DB) ListReady() ([]*Issue, error) {
	rows, err := db.Query(`
		SELECT ` + issueColumns + ` FROM issues i
		WHERE i.status = 'open'
		AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN issues blocker ON blocker.id = d.depends_on_id
			WHERE d.issue_id = i.id AND d.type = 'blocks' AND blocker.status != 'closed'
		)
		ORDER BY i.priority ASC, i.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing ready issues: %w", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ready issue row: %w", err)
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, issue := range out {
		if err := db.hydrate(issue); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListBlocked returns open issues that have at least one unresolved
// "blocks" dependency.
func (db *DB) ListBlocked() ([]*Issue, error) {
	rows, err := db.Query(`
		SELECT ` + issueColumns + ` FROM issues i
		WHERE i.status = 'open'
		AND EXISTS (
			SELECT 1 FROM dependencies d
			JOIN issues blocker ON blocker.id = d.depends_on_id
			WHERE d.issue_id = i.id AND d.type = 'blocks' AND blocker.status != 'closed'
		)
		ORDER BY i.priority ASC, i.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing blocked issues: %w", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blocked issue row: %w", err)
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, issue := range out {
		if err := db.hydrate(issue); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Search does a simple case-insensitive substring match over title and
// description, ordered by priority then recency.
func (db *DB) Search(query string) ([]*Issue, error) {
	like := "%" + query + "%"
	rows, err := db.Query(`
		SELECT `+issueColumns+` FROM issues
		WHERE title LIKE ? COLLATE NOCASE OR description LIKE ? COLLATE NOCASE
		ORDER BY priority ASC, updated_at DESC`, like, like)
	if err != nil {
		return nil, fmt.Errorf("searching issues: %w", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, issue := range out {
		if err := db.hydrate(issue); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddComment appends a comment row for issueID.
func (db *DB) AddComment(c Comment) error {
	_, err := db.Exec(`INSERT INTO comments (issue_id, author, body, created_at) VALUES (?,?,?,?)`,
		c.IssueID, c.Author, c.Body, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding comment to %s: %w", c.IssueID, err)
	}
	return nil
}
