/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package httpapi exposes RepoController, IssueController, and
// PRController over the REST surface described in spec.md §6, routed
// with chi the way github.com/fcavalcantirj/solvr's backend API router
// does (the teacher's own example set is gRPC/duplex based and has no
// REST router to imitate, so this layer is grounded on that other
// example instead).
package httpapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/devflow/orchestrator/internal/alarm"
	"github.com/devflow/orchestrator/internal/issuecontroller"
	"github.com/devflow/orchestrator/internal/kv"
	"github.com/devflow/orchestrator/internal/prcontroller"
	"github.com/devflow/orchestrator/internal/repocontroller"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/stateful"
	"github.com/devflow/orchestrator/internal/store"
)

// SandboxClient is the union of the sandbox method set both
// IssueController and PRController depend on; a single *sandbox.Client
// satisfies it for both.
type SandboxClient interface {
	Submit(ctx context.Context, task sandbox.Task) (<-chan sandbox.Event, error)
}

// CMSClient resolves the org/repo approval gate config PRController's
// config cascade merges on PR_OPENED (spec.md §4.5 "Config cascade").
// Satisfied by *internal/cms.Client; left nil in deployments that pass
// gate config directly in the PREvent body instead.
type CMSClient interface {
	OrgGates(ctx context.Context, org string) (prcontroller.ApprovalGateConfig, error)
	RepoGates(ctx context.Context, owner, repo string) (prcontroller.ApprovalGateConfig, error)
}

// Server holds the collaborators every controller is built from and
// lazily constructs/caches one Controller per issue or PR.
type Server struct {
	Repo *repocontroller.Controller

	DB     *store.DB
	KV     *kv.Store
	Mirror stateful.Mirror
	Alarms *alarm.Scheduler

	Roster   issuecontroller.RosterClient
	Sandbox  SandboxClient
	Conns    issuecontroller.ConnectionChecker
	GitHub   prcontroller.MergeClient
	Rollback prcontroller.RollbackClient
	CMS      CMSClient

	background context.Context

	mu     sync.Mutex
	issues map[string]*issuecontroller.Controller
	prs    map[int]*prcontroller.Controller
}

// New constructs a Server. background is used as the base context for
// controllers' detached mirror writes (spec.md §4.1).
func New(background context.Context, repo *repocontroller.Controller, db *store.DB, kvStore *kv.Store, mirror stateful.Mirror, alarms *alarm.Scheduler, roster issuecontroller.RosterClient, sb SandboxClient, conns issuecontroller.ConnectionChecker, gh prcontroller.MergeClient, rb prcontroller.RollbackClient) *Server {
	return &Server{
		Repo: repo, DB: db, KV: kvStore, Mirror: mirror, Alarms: alarms,
		Roster: roster, Sandbox: sb, Conns: conns, GitHub: gh, Rollback: rb,
		background: background,
		issues:     map[string]*issuecontroller.Controller{},
		prs:        map[int]*prcontroller.Controller{},
	}
}

// issueController returns the cached Controller for id, constructing it
// (and reloading its machine from the local snapshot) on first use.
func (s *Server) issueController(id string) (*issuecontroller.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.issues[id]; ok {
		return c, nil
	}
	base := stateful.New(s.background, stateful.Entity{
		LocalBucket: "machineState", LocalKey: id, Type: "issue", Ref: id,
	}, s.KV, s.Mirror)
	c, err := issuecontroller.New(s.background, id, s.DB, base, s.Roster, s.Sandbox, s.Alarms, s.Conns)
	if err != nil {
		return nil, fmt.Errorf("httpapi: constructing issue controller %s: %w", id, err)
	}
	s.issues[id] = c
	return c, nil
}

// prController returns the cached Controller for prNumber, constructing
// it on first use.
func (s *Server) prController(prNumber int) (*prcontroller.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.prs[prNumber]; ok {
		return c, nil
	}
	ref := fmt.Sprintf("pr-%d", prNumber)
	base := stateful.New(s.background, stateful.Entity{
		LocalBucket: "prState", LocalKey: ref, Type: "pr", Ref: ref,
	}, s.KV, s.Mirror)
	c, err := prcontroller.New(s.background, prNumber, s.DB, base, s.Sandbox, s.GitHub, s.Rollback, s.Alarms)
	if err != nil {
		return nil, fmt.Errorf("httpapi: constructing pr controller %d: %w", prNumber, err)
	}
	s.prs[prNumber] = c
	return c, nil
}
