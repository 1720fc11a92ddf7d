/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package cms is a read/write client over the external content store that
// holds org- and repo-level approval gate configuration and the
// cross-entity audit log (spec.md §1, §4.5 "Config cascade").
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/devflow/orchestrator/internal/prcontroller"
)

// Client fetches gate configuration and appends audit entries over HTTP.
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

// OrgGates fetches the org-level ApprovalGateConfig for org. A missing
// config (404) is not an error: it resolves to the zero value, which
// mergeGateConfig treats as "inherit the built-in defaults".
func (c *Client) OrgGates(ctx context.Context, org string) (prcontroller.ApprovalGateConfig, error) {
	return c.getGates(ctx, fmt.Sprintf("%s/orgs/%s/gates", c.BaseURL, org))
}

// RepoGates fetches the repo-level ApprovalGateConfig for owner/repo.
func (c *Client) RepoGates(ctx context.Context, owner, repo string) (prcontroller.ApprovalGateConfig, error) {
	return c.getGates(ctx, fmt.Sprintf("%s/repos/%s/%s/gates", c.BaseURL, owner, repo))
}

func (c *Client) getGates(ctx context.Context, url string) (prcontroller.ApprovalGateConfig, error) {
	var gates prcontroller.ApprovalGateConfig

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gates, fmt.Errorf("cms: building request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return gates, fmt.Errorf("cms: requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return gates, nil
	}
	if resp.StatusCode != http.StatusOK {
		return gates, fmt.Errorf("cms: %s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&gates); err != nil {
		return gates, fmt.Errorf("cms: decoding gates from %s: %w", url, err)
	}
	return gates, nil
}

// AuditEntry is one row appended to the CMS's durable audit log,
// mirroring PRController's local AuditLog entries (spec.md §4.5 "Audit
// log") so an external system of record survives process loss.
type AuditEntry struct {
	EntityType string          `json:"entity_type"`
	EntityRef  string          `json:"entity_ref"`
	Action     string          `json:"action"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// AppendAudit mirrors one audit entry to the CMS. Failures are the
// caller's to decide whether to retry; this client performs no retry of
// its own.
func (c *Client) AppendAudit(ctx context.Context, entry AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cms: encoding audit entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/audit", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("cms: building audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("cms: posting audit entry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cms: audit post returned status %d", resp.StatusCode)
	}
	return nil
}
