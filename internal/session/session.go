/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package session implements the hashed-token session store described in
// spec.md §4.7: raw tokens never touch durable storage, only their
// hex-encoded SHA-256 digest does.
package session

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrExpired is returned by Validate for a session whose TTL has elapsed.
var ErrExpired = errors.New("session: expired")

// ErrNotFound is returned by Validate when no session matches the token.
var ErrNotFound = errors.New("session: not found")

// Session is the record returned by Validate.
type Session struct {
	ID        string
	User      string
	Email     string
	Name      string
	Data      map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Params configure a new session (spec.md §4.7, create()).
type Params struct {
	User       string
	Email      string
	Name       string
	Data       map[string]any
	TTLSeconds int
}

// Store is a sqlite-backed hashed-token session store.
type Store struct {
	db *sql.DB
}

// New constructs a Store over db, which must have the sessions table from
// internal/store's schema applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var nowFunc = time.Now

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create mints a new session for token (never persisted in raw form) and
// returns its generated id.
func (s *Store) Create(token string, p Params) (string, error) {
	id := uuid.NewString()
	now := nowFunc().UTC()
	expires := now.Add(time.Duration(p.TTLSeconds) * time.Second)

	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return "", fmt.Errorf("marshaling session data: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO sessions (id, token_hash, user_id, email, name, data, created_at, expires_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, hashToken(token), p.User, p.Email, p.Name, string(dataJSON),
		now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return id, nil
}

// Validate returns the session for token iff it exists and has not
// expired. Expired rows are not actively deleted here; Cleanup sweeps
// them periodically.
func (s *Store) Validate(token string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, user_id, email, name, data, created_at, expires_at FROM sessions WHERE token_hash = ?`, hashToken(token))

	var (
		sess                   Session
		dataJSON               string
		createdAt, expiresAt   string
	)
	if err := row.Scan(&sess.ID, &sess.User, &sess.Email, &sess.Name, &dataJSON, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataJSON), &sess.Data); err != nil {
		return nil, fmt.Errorf("unmarshaling session data: %w", err)
	}

	if !nowFunc().UTC().Before(sess.ExpiresAt) {
		return nil, ErrExpired
	}
	return &sess, nil
}

// Revoke deletes the session matching token, if any.
func (s *Store) Revoke(token string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, hashToken(token))
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// PurgeUser deletes every session belonging to user (a user-scoped purge,
// e.g. "log out everywhere").
func (s *Store) PurgeUser(user string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, user)
	if err != nil {
		return 0, fmt.Errorf("purging sessions for user %s: %w", user, err)
	}
	return res.RowsAffected()
}

// Cleanup deletes every session whose expiry has passed. Intended to be
// invoked on a periodic alarm.
func (s *Store) Cleanup() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, nowFunc().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired sessions: %w", err)
	}
	return res.RowsAffected()
}
