/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package stateful

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devflow/orchestrator/internal/kv"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelaySequence(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, BackoffDelay(0))
	require.Equal(t, 200*time.Millisecond, BackoffDelay(1))
	require.Equal(t, 400*time.Millisecond, BackoffDelay(2))
	require.Equal(t, 100*time.Second, BackoffDelay(20)) // capped
}

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
}

type countingMirror struct {
	failUntil int32
	calls     int32
	done      chan struct{}
}

func (m *countingMirror) Put(ctx context.Context, entityType, entityRef string, snapshot []byte) error {
	n := atomic.AddInt32(&m.calls, 1)
	if n <= m.failUntil {
		return errors.New("transient failure")
	}
	close(m.done)
	return nil
}

func TestOnTransitionWritesLocalAndRetriesMirror(t *testing.T) {
	store, err := kv.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	mirror := &countingMirror{failUntil: 2, done: make(chan struct{})}
	clock := &fakeClock{}
	base := New(context.Background(), Entity{LocalBucket: "machineState", LocalKey: "issue:todo-a", Type: "issue", Ref: "todo-a"}, store, mirror).WithClock(clock)

	require.NoError(t, base.OnTransition(context.Background(), []byte(`{"value":"executing"}`)))

	select {
	case <-mirror.done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror write did not succeed in time")
	}

	require.Equal(t, int32(3), atomic.LoadInt32(&mirror.calls))

	v, ok, err := base.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"value":"executing"}`, string(v))
}

type alwaysFailMirror struct{ calls int32 }

func (m *alwaysFailMirror) Put(ctx context.Context, entityType, entityRef string, snapshot []byte) error {
	atomic.AddInt32(&m.calls, 1)
	return errors.New("permanent-ish failure")
}

func TestMirrorGivesUpAfterMaxAttempts(t *testing.T) {
	store, err := kv.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	mirror := &alwaysFailMirror{}
	clock := &fakeClock{}
	base := New(context.Background(), Entity{LocalBucket: "machineState", LocalKey: "issue:todo-b", Type: "issue", Ref: "todo-b"}, store, mirror).WithClock(clock)

	require.NoError(t, base.OnTransition(context.Background(), []byte(`{}`)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&mirror.calls) == maxAttempt
	}, 2*time.Second, 10*time.Millisecond)
}
