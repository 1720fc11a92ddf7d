/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package repocontroller reconciles the three representations of an
// issue graph — host-native issues, the repo-tracked backlog file, and
// the internal store — and triggers development workflows for issues
// that become ready (spec.md §4.3).
package repocontroller

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/devflow/orchestrator/internal/backlog"
	"github.com/devflow/orchestrator/internal/ghclient"
	"github.com/devflow/orchestrator/internal/orcherr"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/google/go-github/v75/github"
)

// protectionWindow guards a freshly-synced issue from being reaped by a
// concurrent import that doesn't yet see it (spec.md §4.3).
const protectionWindow = 60 * time.Second

// WorkflowStarter starts one development-workflow instance for a newly
// ready issue. Implementations must be idempotent by id: starting an id
// that is already running or paused is a no-op (spec.md §4.3).
type WorkflowStarter interface {
	Start(ctx context.Context, id string, issue *store.Issue) error
}

// Clock is overridable in tests.
type Clock func() time.Time

// Controller is the per-repository RepoController.
type Controller struct {
	DB             *store.DB
	Clients        *ghclient.Cache
	Workflows      WorkflowStarter
	Owner, Repo    string
	InstallationID int64
	BacklogPath    string
	Now            Clock
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) client(ctx context.Context) *github.Client {
	return c.Clients.Client(ctx, c.InstallationID)
}

// HostIssuePayload is the webhook body shape for a host issue event
// (spec.md §6).
type HostIssuePayload struct {
	ID        int64
	Number    int
	Title     string
	Body      string
	State     string // "open" | "closed"
	Labels    []string
	Assignee  *string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// hostIssueID derives the store primary key for an issue freshly seen
// from a host webhook. It is keyed off the stable numeric issue number,
// not the title, since two distinct issues can share a title.
func hostIssueID(number int) string { return fmt.Sprintf("gh-%d", number) }

// OnHostIssue idempotently upserts payload into the local store keyed by
// host_number, resolving a create race by title match against rows that
// have no host_number yet, then re-commits the backlog file (spec.md
// §4.3).
func (c *Controller) OnHostIssue(ctx context.Context, payload HostIssuePayload) error {
	existing, err := c.DB.GetIssueByHostNumber(payload.Number)
	if err != nil {
		if err != store.ErrNotFound {
			return fmt.Errorf("repocontroller: looking up issue by host number %d: %w", payload.Number, err)
		}
		existing, err = c.DB.FindByTitleNoHostNumber(payload.Title)
		if err != nil && err != store.ErrNotFound {
			return fmt.Errorf("repocontroller: resolving title race for %q: %w", payload.Title, err)
		}
	}

	now := c.now()
	issue := &store.Issue{ID: hostIssueID(payload.Number), Status: store.StatusOpen, Priority: 2, IssueType: store.TypeTask, CreatedAt: now, UpdatedAt: now}
	if existing != nil {
		issue = existing
	}

	issue.Title = payload.Title
	issue.Description = payload.Body
	issue.UpdatedAt = now
	issue.LastSyncAt = &now
	hostNum := payload.Number
	hostID := int(payload.ID)
	issue.HostNumber = &hostNum
	issue.HostID = &hostID
	issue.Assignee = payload.Assignee
	issue.Labels = backlog.UserLabels(payload.Labels)
	issue.Priority = backlog.ParsePriorityFromLabels(payload.Labels)
	issue.Status = backlog.ParseStatusFromLabels(payload.Labels, payload.State == "closed")
	if issue.Status == store.StatusClosed {
		closedAt := now
		if payload.ClosedAt != nil {
			closedAt = *payload.ClosedAt
		}
		issue.ClosedAt = &closedAt
	}

	if err := c.DB.UpsertIssue(issue); err != nil {
		return fmt.Errorf("repocontroller: upserting issue from host payload: %w", err)
	}

	clog.FromContext(ctx).Infof("repocontroller: synced host issue #%d to %s", payload.Number, issue.ID)
	return c.recommitBacklog(ctx)
}

// BacklogPushPayload is the webhook body shape for a backlog-file push
// event (spec.md §6).
type BacklogPushPayload struct {
	Commit         string
	Files          []string
	RepoFullName   string
	InstallationID int64
}

// OnBacklogPush fetches the backlog file at commit (if it was touched)
// and imports it.
func (c *Controller) OnBacklogPush(ctx context.Context, payload BacklogPushPayload, fetch func(ctx context.Context, ref string) ([]byte, error)) (*ImportResult, error) {
	touched := false
	for _, f := range payload.Files {
		if f == c.BacklogPath {
			touched = true
			break
		}
	}
	if !touched {
		return &ImportResult{}, nil
	}

	data, err := fetch(ctx, payload.Commit)
	if err != nil {
		return nil, orcherr.Retriablef("repocontroller: fetching backlog at %s: %w", payload.Commit, err)
	}
	records, err := backlog.ParseJSONL(data)
	if err != nil {
		return nil, orcherr.Permanentf("repocontroller: parsing backlog at %s: %w", payload.Commit, err)
	}

	issues := make([]*store.Issue, 0, len(records))
	depsByIssue := map[string][]store.Dependency{}
	now := c.now()
	for _, r := range records {
		issue, deps, err := r.ToIssue(now)
		if err != nil {
			return nil, orcherr.Permanentf("repocontroller: converting backlog record %s: %w", r.ID, err)
		}
		issues = append(issues, issue)
		depsByIssue[issue.ID] = deps
	}
	return c.ImportFromBacklog(ctx, issues, depsByIssue)
}

// ImportResult reports the outcome of one import_from_backlog run
// (spec.md §4.3).
type ImportResult struct {
	Created []string
	Updated []string
	Deleted []string
}

// ImportFromBacklog runs the import algorithm (spec.md §4.3): upsert
// every parsed issue, then delete local issues absent from the parse
// unless they were synced within the protection window. The whole
// import observes a single `now`, so the pre/post ready-set diff used
// for workflow triggering is computed under one consistent snapshot.
func (c *Controller) ImportFromBacklog(ctx context.Context, issues []*store.Issue, deps map[string][]store.Dependency) (*ImportResult, error) {
	before, err := c.DB.ListReady()
	if err != nil {
		return nil, fmt.Errorf("repocontroller: listing ready set before import: %w", err)
	}
	beforeReady := map[string]bool{}
	for _, i := range before {
		beforeReady[i.ID] = true
	}

	existing, err := c.DB.ListAll()
	if err != nil {
		return nil, fmt.Errorf("repocontroller: listing existing issues: %w", err)
	}
	remaining := map[string]*store.Issue{}
	for _, i := range existing {
		remaining[i.ID] = i
	}

	now := c.now()
	result := &ImportResult{}
	for _, issue := range issues {
		_, existed := remaining[issue.ID]
		if existed {
			result.Updated = append(result.Updated, issue.ID)
		} else {
			result.Created = append(result.Created, issue.ID)
		}
		issue.LastSyncAt = &now
		if err := c.DB.UpsertIssue(issue); err != nil {
			return nil, fmt.Errorf("repocontroller: upserting %s during import: %w", issue.ID, err)
		}
		if d, ok := deps[issue.ID]; ok {
			if err := c.DB.ReplaceDependencies(issue.ID, d); err != nil {
				return nil, fmt.Errorf("repocontroller: replacing dependencies for %s: %w", issue.ID, err)
			}
		}
		delete(remaining, issue.ID)
	}

	for id, stale := range remaining {
		if stale.LastSyncAt != nil && now.Sub(*stale.LastSyncAt) < protectionWindow {
			clog.FromContext(ctx).Infof("repocontroller: skipping deletion of %s, synced %s ago", id, now.Sub(*stale.LastSyncAt))
			continue
		}
		if err := c.DB.DeleteIssue(id); err != nil {
			return nil, fmt.Errorf("repocontroller: deleting stale issue %s: %w", id, err)
		}
		if stale.HostNumber != nil {
			if err := c.closeHostIssueNumber(ctx, *stale.HostNumber); err != nil {
				clog.FromContext(ctx).Errorf("repocontroller: closing host issue for deleted %s: %v", id, err)
			}
		}
		result.Deleted = append(result.Deleted, id)
	}

	if err := c.triggerNewlyReady(ctx, beforeReady); err != nil {
		return nil, err
	}
	return result, nil
}

// triggerNewlyReady diffs the post-import ready set against beforeReady
// and starts one workflow instance per newly-ready issue (spec.md §4.3).
func (c *Controller) triggerNewlyReady(ctx context.Context, beforeReady map[string]bool) error {
	if c.Workflows == nil {
		return nil
	}
	after, err := c.DB.ListReady()
	if err != nil {
		return fmt.Errorf("repocontroller: listing ready set after import: %w", err)
	}
	for _, issue := range after {
		if beforeReady[issue.ID] {
			continue
		}
		id := "develop-" + issue.ID
		if err := c.Workflows.Start(ctx, id, issue); err != nil {
			return fmt.Errorf("repocontroller: starting workflow %s: %w", id, err)
		}
	}
	return nil
}

// CreateHostIssue creates the remote issue for id, mirroring its host
// labels, and records the resulting host_number/host_id locally.
func (c *Controller) CreateHostIssue(ctx context.Context, id string) error {
	issue, err := c.DB.GetIssue(id)
	if err != nil {
		return fmt.Errorf("repocontroller: loading %s: %w", id, err)
	}
	labels := backlog.BuildHostLabels(issue)
	created, _, err := c.client(ctx).Issues.Create(ctx, c.Owner, c.Repo, &github.IssueRequest{
		Title:  &issue.Title,
		Body:   &issue.Description,
		Labels: &labels,
	})
	if err != nil {
		return orcherr.Retriablef("repocontroller: creating host issue for %s: %w", id, err)
	}

	hostNum := created.GetNumber()
	hostID := int(created.GetID())
	issue.HostNumber = &hostNum
	issue.HostID = &hostID
	now := c.now()
	issue.LastSyncAt = &now
	if err := c.DB.UpsertIssue(issue); err != nil {
		return fmt.Errorf("repocontroller: recording host identifiers for %s: %w", id, err)
	}
	return c.recommitBacklog(ctx)
}

// UpdateHostIssue mirrors the local state of id to its host issue.
func (c *Controller) UpdateHostIssue(ctx context.Context, id string) error {
	issue, err := c.DB.GetIssue(id)
	if err != nil {
		return fmt.Errorf("repocontroller: loading %s: %w", id, err)
	}
	if issue.HostNumber == nil {
		return c.CreateHostIssue(ctx, id)
	}
	labels := backlog.BuildHostLabels(issue)
	state := "open"
	if issue.Status == store.StatusClosed {
		state = "closed"
	}
	_, _, err = c.client(ctx).Issues.Edit(ctx, c.Owner, c.Repo, *issue.HostNumber, &github.IssueRequest{
		Title:  &issue.Title,
		Body:   &issue.Description,
		Labels: &labels,
		State:  &state,
	})
	if err != nil {
		return orcherr.Retriablef("repocontroller: updating host issue for %s: %w", id, err)
	}
	now := c.now()
	issue.LastSyncAt = &now
	return c.DB.UpsertIssue(issue)
}

// CloseHostIssue mirrors a local close to the host issue identified by
// number.
func (c *Controller) CloseHostIssue(ctx context.Context, number int) error {
	issue, err := c.DB.GetIssueByHostNumber(number)
	if err != nil {
		return fmt.Errorf("repocontroller: loading issue for host number %d: %w", number, err)
	}
	now := c.now()
	issue.Status = store.StatusClosed
	issue.ClosedAt = &now
	issue.UpdatedAt = now
	if err := c.DB.UpsertIssue(issue); err != nil {
		return fmt.Errorf("repocontroller: closing %s locally: %w", issue.ID, err)
	}
	return c.closeHostIssueNumber(ctx, number)
}

func (c *Controller) closeHostIssueNumber(ctx context.Context, number int) error {
	state := "closed"
	_, _, err := c.client(ctx).Issues.Edit(ctx, c.Owner, c.Repo, number, &github.IssueRequest{State: &state})
	if err != nil {
		return orcherr.Retriablef("repocontroller: closing host issue #%d: %w", number, err)
	}
	return nil
}

// List returns every locally known issue, ordered by id.
func (c *Controller) List(context.Context) ([]*store.Issue, error) { return c.DB.ListAll() }

// ListReady returns the current ready set (spec.md §4.3).
func (c *Controller) ListReady(context.Context) ([]*store.Issue, error) { return c.DB.ListReady() }

// ListBlocked returns open issues with at least one unresolved blocker.
func (c *Controller) ListBlocked(context.Context) ([]*store.Issue, error) { return c.DB.ListBlocked() }

// Search does a substring match over title/description.
func (c *Controller) Search(_ context.Context, q string) ([]*store.Issue, error) {
	return c.DB.Search(q)
}

// Get fetches a single issue by id.
func (c *Controller) Get(_ context.Context, id string) (*store.Issue, error) {
	return c.DB.GetIssue(id)
}

// ExportBacklog renders the current store as the JSONL backlog format
// (spec.md §4.3), ordered by id so export(import(B)) == B (spec.md §8).
// It is the public counterpart to the commit-on-change path that
// recommitBacklog drives internally.
func (c *Controller) ExportBacklog() ([]byte, error) {
	issues, err := c.DB.ListAll()
	if err != nil {
		return nil, fmt.Errorf("repocontroller: listing issues for backlog export: %w", err)
	}
	data, err := backlog.Export(issues)
	if err != nil {
		return nil, fmt.Errorf("repocontroller: exporting backlog: %w", err)
	}
	return data, nil
}

// recommitBacklog exports the current store and commits it to the repo,
// retrying on SHA conflict (spec.md §4.3, §5).
func (c *Controller) recommitBacklog(ctx context.Context) error {
	data, err := c.ExportBacklog()
	if err != nil {
		return err
	}
	return c.CommitFile(ctx, c.BacklogPath, data, "chore: sync backlog")
}

const maxCommitAttempts = 3

// CommitFile writes content to path with the given commit message, making
// up to 3 attempts in all while the write hits a SHA conflict (HTTP 409).
// Each attempt re-fetches the current SHA; the waits between attempts are
// 500ms and then 1s (spec.md §4.3).
func (c *Controller) CommitFile(ctx context.Context, path string, content []byte, message string) error {
	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(500 * time.Millisecond * (1 << uint(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var sha *string
		existing, _, resp, err := c.client(ctx).Repositories.GetContents(ctx, c.Owner, c.Repo, path, nil)
		if err == nil && existing != nil {
			s := existing.GetSHA()
			sha = &s
		} else if resp != nil && resp.StatusCode != 404 {
			lastErr = fmt.Errorf("fetching current sha for %s: %w", path, err)
			continue
		}

		opts := &github.RepositoryContentFileOptions{Message: &message, Content: content, SHA: sha}
		if sha != nil {
			_, resp, err = c.client(ctx).Repositories.UpdateFile(ctx, c.Owner, c.Repo, path, opts)
		} else {
			_, resp, err = c.client(ctx).Repositories.CreateFile(ctx, c.Owner, c.Repo, path, opts)
		}
		if err == nil {
			return nil
		}
		if resp != nil && resp.StatusCode == 409 {
			lastErr = err
			continue
		}
		return orcherr.Retriablef("repocontroller: committing %s: %w", path, err)
	}
	return orcherr.Retriablef("repocontroller: committing %s after %d attempts: %w", path, maxCommitAttempts, lastErr)
}
