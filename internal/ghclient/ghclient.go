/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ghclient wires internal/ghapp installation tokens into
// golang.org/x/oauth2 and github.com/google/go-github clients, following
// the teacher's githubreconciler.NewClientCache pattern of caching one
// *github.Client per installation.
package ghclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/devflow/orchestrator/internal/ghapp"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// installationTokenSource adapts ghapp.TokenSource to oauth2.TokenSource.
// Per spec.md §4.3, installation tokens are not cached across requests in
// this spec; Token() always mints fresh.
type installationTokenSource struct {
	src *ghapp.TokenSource
	ctx context.Context
}

func (s installationTokenSource) Token() (*oauth2.Token, error) {
	tok, exp, err := s.src.Token(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("ghclient: minting installation token: %w", err)
	}
	return &oauth2.Token{AccessToken: tok, Expiry: exp, TokenType: "Bearer"}, nil
}

// Cache lazily constructs and reuses one *github.Client per installation
// ID. App credentials are shared across every installation the app can
// access.
type Cache struct {
	key            *rsa.PrivateKey
	appID          string
	apiBaseURL     string

	mu      sync.Mutex
	clients map[int64]*github.Client
}

// NewCache constructs a Cache. key and appID identify the GitHub App.
func NewCache(key *rsa.PrivateKey, appID string) *Cache {
	return &Cache{key: key, appID: appID, clients: map[int64]*github.Client{}}
}

// WithAPIBaseURL overrides the GitHub API base URL (for tests/enterprise).
func (c *Cache) WithAPIBaseURL(url string) *Cache {
	c.apiBaseURL = url
	return c
}

// Client returns a *github.Client authenticated as installationID,
// constructing and caching it on first use.
func (c *Cache) Client(ctx context.Context, installationID int64) *github.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[installationID]; ok {
		return cl
	}

	httpClient := oauth2.NewClient(ctx, c.TokenSource(ctx, installationID))
	cl := github.NewClient(httpClient)
	c.clients[installationID] = cl
	return cl
}

// TokenSource returns an oauth2.TokenSource that mints fresh
// installation tokens for installationID, for collaborators (such as
// internal/rollback's go-git client) that need raw tokens rather than
// a *github.Client.
func (c *Cache) TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource {
	src := &ghapp.TokenSource{Key: c.key, AppID: c.appID, InstallationID: installationID, APIBaseURL: c.apiBaseURL}
	return installationTokenSource{src: src, ctx: ctx}
}
