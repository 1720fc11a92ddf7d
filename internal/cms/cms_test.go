/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package cms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepoGatesDecodesConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/gates", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"risk_threshold": "medium", "allow_full_autonomy": true})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	gates, err := c.RepoGates(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	require.Equal(t, "medium", gates.RiskThreshold)
	require.True(t, gates.AllowFullAutonomy)
}

func TestOrgGatesMissingReturnsZeroValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	gates, err := c.OrgGates(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, "", gates.RiskThreshold)
}

func TestAppendAuditPostsEntry(t *testing.T) {
	var received AuditEntry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	err := c.AppendAudit(context.Background(), AuditEntry{EntityType: "pr", EntityRef: "pr-42", Action: "merged"})
	require.NoError(t, err)
	require.Equal(t, "pr-42", received.EntityRef)
}

func TestAppendAuditServerErrorReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	err := c.AppendAudit(context.Background(), AuditEntry{EntityType: "pr", EntityRef: "pr-42", Action: "merged"})
	require.Error(t, err)
}
