/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rollback

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/google/go-github/v75/github"
	"github.com/stretchr/testify/require"
)

func TestShortSHA(t *testing.T) {
	require.Equal(t, "abc", shortSHA("abc"))
	require.Equal(t, "0123456789", shortSHA("0123456789abcdef"))
}

func newLocalRepoWithCommit(t *testing.T) (dir string, commitSHA string) {
	t.Helper()
	dir = t.TempDir()

	fs := osfs.New(dir)
	storer := filesystem.NewStorage(fs, nil)
	repo, err := git.Init(storer, fs)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	_, err = wt.Add("README.md")
	require.NoError(t, err)

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestCreateRevertPR(t *testing.T) {
	dir, sha := newLocalRepoWithCommit(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"number": 42}`)
	}))
	defer srv.Close()

	gh, err := github.NewClient(nil).WithEnterpriseURLs(srv.URL, srv.URL)
	require.NoError(t, err)

	client := &Client{Owner: "acme", Repo: "widgets", CloneURL: dir, GitHub: gh}
	result, err := client.CreateRevertPR(context.Background(), Request{
		TargetCommit: sha, Reason: "bad deploy", RequestedBy: "alice", DefaultBranch: "main",
	}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 42, result.RollbackPR)
	require.Equal(t, "rollback/"+shortSHA(sha), result.RollbackBranch)
}
