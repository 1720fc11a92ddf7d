/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

func TestCreateValidateExpire(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := New(db.DB)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	id, err := s.Create("raw-token", Params{User: "u1", Email: "u1@example.com", TTLSeconds: 60})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := s.Validate("raw-token")
	require.NoError(t, err)
	require.Equal(t, "u1", sess.User)

	_, err = s.Validate("wrong-token")
	require.ErrorIs(t, err, ErrNotFound)

	nowFunc = func() time.Time { return base.Add(61 * time.Second) }
	_, err = s.Validate("raw-token")
	require.ErrorIs(t, err, ErrExpired)
}

func TestPurgeUser(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := New(db.DB)
	_, err = s.Create("tok-a", Params{User: "u1", TTLSeconds: 60})
	require.NoError(t, err)
	_, err = s.Create("tok-b", Params{User: "u1", TTLSeconds: 60})
	require.NoError(t, err)
	_, err = s.Create("tok-c", Params{User: "u2", TTLSeconds: 60})
	require.NoError(t, err)

	n, err := s.PurgeUser("u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	_, err = s.Validate("tok-c")
	require.NoError(t, err)
}
