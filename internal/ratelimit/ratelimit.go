/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ratelimit implements the sliding-window counter described in
// spec.md §4.6: each request deletes rows older than the window for its
// (key, scope), counts what's left, and inserts a new row if under limit.
package ratelimit

import (
	"database/sql"
	"fmt"
	"time"
)

// Result is returned by Allow.
type Result struct {
	Allowed     bool
	Current     int
	Limit       int
	Remaining   int
	ResetAt     time.Time
	RetryAfter  time.Duration
}

// Limiter is a sliding-window rate limiter backed by a relational table of
// hit timestamps, one row per request within the window.
type Limiter struct {
	db *sql.DB
}

// New constructs a Limiter over db, which must already have the
// rate_limit_hits table from internal/store's schema applied.
func New(db *sql.DB) *Limiter {
	return &Limiter{db: db}
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

// Allow evaluates one request against (key, scope) under the given limit
// and window, purging expired hits and — if allowed — recording this one.
func (l *Limiter) Allow(key, scope string, limit int, window time.Duration) (Result, error) {
	now := nowFunc().UTC()
	cutoff := now.Add(-window)

	tx, err := l.db.Begin()
	if err != nil {
		return Result{}, fmt.Errorf("begin rate limit check: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM rate_limit_hits WHERE key = ? AND scope = ? AND ts < ?`,
		key, scope, cutoff.Format(time.RFC3339Nano)); err != nil {
		return Result{}, fmt.Errorf("purging expired hits: %w", err)
	}

	var current int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM rate_limit_hits WHERE key = ? AND scope = ?`, key, scope).Scan(&current); err != nil {
		return Result{}, fmt.Errorf("counting hits: %w", err)
	}

	res := Result{
		Current: current,
		Limit:   limit,
		ResetAt: now.Add(window),
	}

	if current >= limit {
		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = window
		return res, tx.Commit()
	}

	if _, err := tx.Exec(`INSERT INTO rate_limit_hits (key, scope, ts) VALUES (?,?,?)`,
		key, scope, now.Format(time.RFC3339Nano)); err != nil {
		return Result{}, fmt.Errorf("recording hit: %w", err)
	}

	res.Allowed = true
	res.Current = current + 1
	res.Remaining = limit - res.Current
	return res, tx.Commit()
}

// Purge deletes every hit across all keys/scopes older than maxWindow
// (spec.md §4.6). Nothing in this module calls it on a schedule; Allow
// only purges the (key, scope) it evaluates.
func (l *Limiter) Purge(maxWindow time.Duration) error {
	cutoff := nowFunc().UTC().Add(-maxWindow)
	if _, err := l.db.Exec(`DELETE FROM rate_limit_hits WHERE ts < ?`, cutoff.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("purging rate limit hits: %w", err)
	}
	return nil
}
