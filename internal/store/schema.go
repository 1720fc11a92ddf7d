/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package store is the embedded-relational half of the persistence kernel
// (spec.md §2). Each RepoController instance owns one sqlite file holding
// the tables named in spec.md §6: issues, dependencies, labels, comments,
// sync_log, execution_sessions, agent_events, tool_checks, verifications,
// state_transitions, review_sessions, review_outcomes, audit_log.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// schema is applied idempotently on Open via CREATE TABLE IF NOT EXISTS.
// All tables for all three controllers live in the same schema; a given
// process only touches the subset relevant to the controller it hosts, but
// sharing one migration keeps every embedded store byte-identical in shape
// regardless of which entity type it backs.
const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	design          TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '',
	notes           TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'open',
	priority        INTEGER NOT NULL DEFAULT 2,
	issue_type      TEXT NOT NULL DEFAULT 'task',
	assignee        TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	closed_at       TEXT,
	close_reason    TEXT NOT NULL DEFAULT '',
	host_number     INTEGER,
	host_id         INTEGER,
	last_sync_at    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS issues_host_number_uq ON issues(host_number) WHERE host_number IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS issues_host_id_uq ON issues(host_id) WHERE host_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS dependencies (
	issue_id        TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	depends_on_id   TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	type            TEXT NOT NULL,
	PRIMARY KEY (issue_id, depends_on_id)
);

CREATE TABLE IF NOT EXISTS labels (
	issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	name     TEXT NOT NULL,
	PRIMARY KEY (issue_id, name)
);

CREATE TABLE IF NOT EXISTS comments (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	author   TEXT NOT NULL DEFAULT '',
	body     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id   TEXT NOT NULL,
	action     TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_sessions (
	session_id    TEXT PRIMARY KEY,
	issue_id      TEXT NOT NULL,
	agent         TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	pr_number     INTEGER,
	commits       TEXT NOT NULL DEFAULT '[]',
	test_results  TEXT NOT NULL DEFAULT '{}',
	outcome       TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS agent_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_checks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id   TEXT NOT NULL,
	available  TEXT NOT NULL DEFAULT '[]',
	missing    TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verifications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	passed     INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_ref  TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	event       TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS review_sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	pr_number   INTEGER NOT NULL,
	reviewer    TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS review_outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	pr_number   INTEGER NOT NULL,
	reviewer    TEXT NOT NULL,
	decision    TEXT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	escalations TEXT NOT NULL DEFAULT '[]',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	action     TEXT NOT NULL,
	entity_ref TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_hits (
	key        TEXT NOT NULL,
	scope      TEXT NOT NULL,
	ts         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_limit_hits_idx ON rate_limit_hits(key, scope, ts);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	token_hash  TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_token_hash_uq ON sessions(token_hash);
`

// DB wraps a sqlite connection with the orchestrator schema applied.
type DB struct {
	*sql.DB
}

// Open opens (creating and migrating if necessary) the sqlite file at path.
// Passing ":memory:" yields a private in-process database, used by tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %q: %w", path, err)
	}
	// The sqlite3 driver serializes writers internally; a single
	// connection avoids SQLITE_BUSY under our single-threaded-per-entity
	// dispatch model (spec.md §5).
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema to %q: %w", path, err)
	}
	return &DB{DB: conn}, nil
}
