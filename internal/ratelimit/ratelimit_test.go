/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ratelimit

import (
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

// TestBoundary reproduces spec.md §8 scenario 6: limit=3, window=10s, four
// requests at t=0,1,2,3 return allowed [true,true,true,false] with
// retry_after=10 on the last.
func TestBoundary(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(db.DB)

	var allowed []bool
	var lastRetryAfter time.Duration
	for i := 0; i < 4; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		nowFunc = func() time.Time { return t0 }
		res, err := l.Allow("alice", "api", 3, 10*time.Second)
		require.NoError(t, err)
		allowed = append(allowed, res.Allowed)
		lastRetryAfter = res.RetryAfter
	}
	nowFunc = time.Now

	require.Equal(t, []bool{true, true, true, false}, allowed)
	require.Equal(t, 10*time.Second, lastRetryAfter)
}

func TestWindowExpiry(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(db.DB)

	nowFunc = func() time.Time { return base }
	res, err := l.Allow("bob", "api", 1, 5*time.Second)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	nowFunc = func() time.Time { return base.Add(1 * time.Second) }
	res, err = l.Allow("bob", "api", 1, 5*time.Second)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	nowFunc = func() time.Time { return base.Add(6 * time.Second) }
	res, err = l.Allow("bob", "api", 1, 5*time.Second)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	nowFunc = time.Now
}
