/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package rollback creates a revert branch and opens a revert PR against
// a repository's default branch (spec.md §4.5 "Rollback"), grounded on
// the teacher's clonemanager use of go-git for repository mutation.
package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// Request describes one rollback ask (spec.md §4.5, §6 "POST /rollback").
type Request struct {
	TargetCommit  string
	Reason        string
	RequestedBy   string
	DefaultBranch string
}

// Result is what CreateRevertPR records on success (spec.md §3 "rollback_info").
type Result struct {
	TargetCommit    string    `json:"target_commit"`
	Reason          string    `json:"reason"`
	RequestedBy     string    `json:"requested_by"`
	RollbackPR      int       `json:"rollback_pr"`
	RollbackBranch  string    `json:"rollback_branch"`
	Timestamp       time.Time `json:"timestamp"`
}

// Client creates rollback branches/PRs for one repository.
type Client struct {
	Owner, Repo string
	CloneURL    string
	GitHub      *github.Client
	TokenSource oauth2.TokenSource
}

// CreateRevertPR clones the repository (full history) into memory, creates a
// branch named rollback/<target_commit prefix> at req.TargetCommit,
// pushes it, and opens a PR against req.DefaultBranch reverting to that
// commit (spec.md §4.5).
func (c *Client) CreateRevertPR(ctx context.Context, req Request, now time.Time) (*Result, error) {
	var auth transport.AuthMethod
	if c.TokenSource != nil {
		tok, err := c.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("rollback: minting token: %w", err)
		}
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: tok.AccessToken}
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:  c.CloneURL,
		Auth: auth,
	})
	if err != nil {
		return nil, fmt.Errorf("rollback: cloning %s: %w", c.CloneURL, err)
	}

	branchName := "rollback/" + shortSHA(req.TargetCommit)
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branchName), plumbing.NewHash(req.TargetCommit))
	if err := repo.Storer.SetReference(ref); err != nil {
		return nil, fmt.Errorf("rollback: creating branch ref %s: %w", branchName, err)
	}

	if err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{config.RefSpec(ref.Name() + ":" + ref.Name())},
		Auth:       auth,
	}); err != nil {
		return nil, fmt.Errorf("rollback: pushing branch %s: %w", branchName, err)
	}

	title := "Rollback to " + shortSHA(req.TargetCommit)
	body := fmt.Sprintf("Requested by %s: %s", req.RequestedBy, req.Reason)
	pr, _, err := c.GitHub.PullRequests.Create(ctx, c.Owner, c.Repo, &github.NewPullRequest{
		Title: &title,
		Head:  &branchName,
		Base:  &req.DefaultBranch,
		Body:  &body,
	})
	if err != nil {
		return nil, fmt.Errorf("rollback: opening revert PR from %s: %w", branchName, err)
	}

	return &Result{
		TargetCommit: req.TargetCommit, Reason: req.Reason, RequestedBy: req.RequestedBy,
		RollbackPR: pr.GetNumber(), RollbackBranch: branchName, Timestamp: now,
	}, nil
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
