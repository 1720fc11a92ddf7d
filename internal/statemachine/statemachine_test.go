/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type counterCtx struct {
	Count   int             `json:"count"`
	Pending []PendingAction `json:"pending"`
}

func (c *counterCtx) Actions() *[]PendingAction { return &c.Pending }

func testDefinition() *Definition[*counterCtx] {
	return &Definition[*counterCtx]{
		Initial: "idle",
		States: map[string]*StateNode[*counterCtx]{
			"idle": {
				Name: "idle",
				Transitions: []Transition[*counterCtx]{
					{
						Event:  "START",
						Target: "running",
						Actions: []Assign[*counterCtx]{
							func(ctx *counterCtx, ev Event) {
								*ctx.Actions() = append(*ctx.Actions(), PendingAction{Type: "notify_start"})
							},
						},
					},
				},
			},
			"running": {
				Name: "running",
				Transitions: []Transition[*counterCtx]{
					{
						Event: "TICK",
						Guard: func(ctx *counterCtx, ev Event) bool { return ctx.Count < 3 },
						Actions: []Assign[*counterCtx]{
							func(ctx *counterCtx, ev Event) { ctx.Count++ },
						},
					},
					{Event: "STOP", Target: "done"},
				},
			},
			"done": {Name: "done", Terminal: true},
		},
	}
}

func TestDeterminism(t *testing.T) {
	events := []Event{{Name: "START"}, {Name: "TICK"}, {Name: "TICK"}, {Name: "TICK"}, {Name: "TICK"}, {Name: "STOP"}}

	run := func() Snapshot {
		m, err := New(testDefinition(), &counterCtx{})
		require.NoError(t, err)
		for _, ev := range events {
			_, err := m.Send(ev)
			require.NoError(t, err)
		}
		snap, err := m.Snapshot()
		require.NoError(t, err)
		return snap
	}

	a := run()
	b := run()
	require.Equal(t, a.Value, b.Value)
	require.JSONEq(t, string(a.Context), string(b.Context))
	require.Equal(t, a.History, b.History)
	require.Equal(t, "done", a.Value)

	var ctx counterCtx
	require.NoError(t, json.Unmarshal(a.Context, &ctx))
	require.Equal(t, 3, ctx.Count) // fourth TICK guarded off
}

func TestRestoreDoesNotRefireEntry(t *testing.T) {
	entryFired := 0
	def := testDefinition()
	def.States["running"].Entry = append(def.States["running"].Entry, func(ctx *counterCtx, ev Event) {
		entryFired++
	})

	m, err := New(def, &counterCtx{})
	require.NoError(t, err)
	_, err = m.Send(Event{Name: "START"})
	require.NoError(t, err)
	require.Equal(t, 1, entryFired)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	var ctx counterCtx
	require.NoError(t, json.Unmarshal(snap.Context, &ctx))
	restored, err := Restore(def, &ctx, snap)
	require.NoError(t, err)
	require.Equal(t, "running", restored.State())
	require.Equal(t, 1, entryFired) // unchanged: no re-fire on restore
}

func TestUnmatchedEventIgnored(t *testing.T) {
	m, err := New(testDefinition(), &counterCtx{})
	require.NoError(t, err)
	ok, err := m.Send(Event{Name: "NOPE"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "idle", m.State())
}
