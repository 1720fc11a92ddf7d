/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ghclient

import (
	"context"
	"fmt"
)

// Merger implements prcontroller.MergeClient against a real GitHub App
// installation. One Merger serves the single repo a PRController process
// is configured for (spec.md §4.5 "merging" state).
type Merger struct {
	Clients        *Cache
	Owner          string
	Repo           string
	InstallationID int64
}

// Merge merges prNumber via the GitHub merge API, using whatever merge
// method the repo's branch protection allows (commitMessage and options
// left empty so GitHub applies its default).
func (m *Merger) Merge(ctx context.Context, prNumber int) error {
	client := m.Clients.Client(ctx, m.InstallationID)
	result, _, err := client.PullRequests.Merge(ctx, m.Owner, m.Repo, prNumber, "", nil)
	if err != nil {
		return fmt.Errorf("ghclient: merging %s/%s#%d: %w", m.Owner, m.Repo, prNumber, err)
	}
	if !result.GetMerged() {
		return fmt.Errorf("ghclient: merge of %s/%s#%d not applied: %s", m.Owner, m.Repo, prNumber, result.GetMessage())
	}
	return nil
}
