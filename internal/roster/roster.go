/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package roster is a read-only client over the agent catalog that
// IssueController and PRController resolve agent IDs against (spec.md
// §4.4 "Resolves the agent by ID via the external roster").
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Agent is one entry in the roster.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Tier        string   `json:"tier"`
	Framework   string   `json:"framework"`
	ToolPatterns []string `json:"tool_patterns"`
}

// ErrNotFound is returned when an agent ID has no roster entry.
var ErrNotFound = fmt.Errorf("roster: agent not found")

// Client fetches agent catalog entries over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Get resolves agentID to its roster entry.
func (c *Client) Get(ctx context.Context, agentID string) (*Agent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/agents/"+agentID, nil)
	if err != nil {
		return nil, fmt.Errorf("roster: building request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("roster: requesting agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roster: agent %s lookup failed with status %d", agentID, resp.StatusCode)
	}

	var agent Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, fmt.Errorf("roster: decoding agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// Fake is an in-memory roster for tests.
type Fake struct {
	Agents map[string]Agent
}

// Get implements the same shape as Client.Get.
func (f *Fake) Get(_ context.Context, agentID string) (*Agent, error) {
	a, ok := f.Agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}
