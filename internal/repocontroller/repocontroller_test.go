/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package repocontroller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/backlog"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type recordingStarter struct {
	started []string
}

func (r *recordingStarter) Start(ctx context.Context, id string, issue *store.Issue) error {
	r.started = append(r.started, id)
	return nil
}

func TestImportCreatesIssuesAndTriggersReadyWorkflow(t *testing.T) {
	db := newTestDB(t)
	starter := &recordingStarter{}
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ctrl := &Controller{DB: db, Workflows: starter, Now: func() time.Time { return now }}

	issues := []*store.Issue{
		{ID: "proj-1", Title: "first", Status: store.StatusOpen, Priority: 1, IssueType: store.TypeTask, CreatedAt: now, UpdatedAt: now},
	}
	result, err := ctrl.ImportFromBacklog(context.Background(), issues, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"proj-1"}, result.Created)
	require.Empty(t, result.Updated)
	require.Empty(t, result.Deleted)
	require.Equal(t, []string{"develop-proj-1"}, starter.started)
}

func TestImportSkipsDeletionWithinProtectionWindow(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Second)

	require.NoError(t, db.UpsertIssue(&store.Issue{
		ID: "proj-1", Status: store.StatusOpen, Priority: 2, IssueType: store.TypeTask,
		CreatedAt: now, UpdatedAt: now, LastSyncAt: &recent,
	}))

	ctrl := &Controller{DB: db, Now: func() time.Time { return now }}
	result, err := ctrl.ImportFromBacklog(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Empty(t, result.Deleted)

	_, err = db.GetIssue("proj-1")
	require.NoError(t, err)
}

func TestImportDeletesStaleIssueOutsideProtectionWindow(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-5 * time.Minute)

	require.NoError(t, db.UpsertIssue(&store.Issue{
		ID: "proj-1", Status: store.StatusOpen, Priority: 2, IssueType: store.TypeTask,
		CreatedAt: now, UpdatedAt: now, LastSyncAt: &old,
	}))

	ctrl := &Controller{DB: db, Now: func() time.Time { return now }}
	result, err := ctrl.ImportFromBacklog(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"proj-1"}, result.Deleted)

	_, err = db.GetIssue("proj-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestImportDoesNotRetriggerAlreadyReadyIssue(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpsertIssue(&store.Issue{
		ID: "proj-1", Status: store.StatusOpen, Priority: 2, IssueType: store.TypeTask,
		CreatedAt: now, UpdatedAt: now,
	}))

	starter := &recordingStarter{}
	ctrl := &Controller{DB: db, Workflows: starter, Now: func() time.Time { return now }}

	issues := []*store.Issue{
		{ID: "proj-1", Title: "renamed", Status: store.StatusOpen, Priority: 2, IssueType: store.TypeTask, CreatedAt: now, UpdatedAt: now},
	}
	_, err := ctrl.ImportFromBacklog(context.Background(), issues, nil)
	require.NoError(t, err)
	require.Empty(t, starter.started)
}

// TestHostIssueIDDoesNotCollideOnSharedTitle guards against the store's
// primary key being derived from a host issue's free-text title: two
// distinct host issues can easily share one (e.g. both "Fix typo").
func TestHostIssueIDDoesNotCollideOnSharedTitle(t *testing.T) {
	first := hostIssueID(42)
	second := hostIssueID(99)
	require.NotEqual(t, first, second)
	require.Equal(t, "gh-42", first)
	require.Equal(t, "gh-99", second)
}

func TestExportBacklogRoundTripsImportedIssues(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ctrl := &Controller{DB: db, Now: func() time.Time { return now }}

	issues := []*store.Issue{
		{ID: "proj-2", Title: "second", Status: store.StatusOpen, Priority: 2, IssueType: store.TypeTask, CreatedAt: now, UpdatedAt: now},
		{ID: "proj-1", Title: "first", Status: store.StatusOpen, Priority: 1, IssueType: store.TypeTask, CreatedAt: now, UpdatedAt: now},
	}
	_, err := ctrl.ImportFromBacklog(context.Background(), issues, nil)
	require.NoError(t, err)

	data, err := ctrl.ExportBacklog()
	require.NoError(t, err)

	reimported, err := backlog.ParseJSONL(data)
	require.NoError(t, err)
	require.Len(t, reimported, 2)
	require.Equal(t, "proj-1", reimported[0].ID)
	require.Equal(t, "proj-2", reimported[1].ID)
}
