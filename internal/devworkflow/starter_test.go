/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package devworkflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devflow/orchestrator/internal/issuecontroller"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

func TestStartDispatchesAssignAgent(t *testing.T) {
	var calls int
	var received issuecontroller.AssignAgentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/issues/todo-b/assign-agent", r.URL.Path)
		defer r.Body.Close()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "agent-1", "cred", "acme/widgets", 99)
	err := s.Start(context.Background(), "todo-b", &store.Issue{ID: "todo-b", Title: "B"})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, "agent-1", received.Agent)
	require.Equal(t, "B", received.Title)
}

func TestStartIsIdempotentPerProcess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "agent-1", "cred", "acme/widgets", 99)
	require.NoError(t, s.Start(context.Background(), "todo-b", &store.Issue{ID: "todo-b"}))
	require.NoError(t, s.Start(context.Background(), "todo-b", &store.Issue{ID: "todo-b"}))
	require.Equal(t, 1, calls)
}

func TestStartServerErrorAllowsRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, "agent-1", "cred", "acme/widgets", 99)
	require.Error(t, s.Start(context.Background(), "todo-b", &store.Issue{ID: "todo-b"}))
	require.NoError(t, s.Start(context.Background(), "todo-b", &store.Issue{ID: "todo-b"}))
	require.Equal(t, 2, calls)
}
