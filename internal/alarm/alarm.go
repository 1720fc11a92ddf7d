/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package alarm implements the single-shot scheduled-alarm primitive that
// spec.md §4.1/§4.4/§4.5 assume but never pin down (see SPEC_FULL.md,
// "Supplemented features"). Alarms are durable rows keyed by
// (entity_type, entity_ref) in the kv store; a ticking dispatcher delivers
// them at most once to the handler the owning controller registered.
package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/devflow/orchestrator/internal/kv"
)

const bucket = "alarms"

// Entry is one durable alarm row.
type Entry struct {
	EntityType string    `json:"entity_type"`
	EntityRef  string    `json:"entity_ref"`
	Event      string    `json:"event"`
	FireAt     time.Time `json:"fire_at"`
}

func key(entityType, entityRef string) string { return entityType + "/" + entityRef }

// Handler is invoked when an alarm fires. It is looked up by entity type
// at registration time; the dispatcher does not know controller internals.
type Handler func(ctx context.Context, entityRef, event string) error

// Scheduler arms and fires single-shot alarms against a kv.Store. Exactly
// one alarm may be outstanding per (entityType, entityRef); arming a new
// one for the same key replaces the pending one, matching the spec's
// "single-shot alarm" (not a queue).
type Scheduler struct {
	store *kv.Store

	mu       sync.Mutex
	handlers map[string]Handler
}

// New constructs a Scheduler backed by store.
func New(store *kv.Store) *Scheduler {
	return &Scheduler{store: store, handlers: map[string]Handler{}}
}

// Register binds entityType to the handler invoked when its alarms fire.
func (s *Scheduler) Register(entityType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[entityType] = h
}

// Arm schedules (or replaces) a single-shot alarm for entityRef to fire
// after delay, carrying event as its payload.
func (s *Scheduler) Arm(entityType, entityRef, event string, delay time.Duration) error {
	e := Entry{EntityType: entityType, EntityRef: entityRef, Event: event, FireAt: time.Now().Add(delay)}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling alarm entry: %w", err)
	}
	if err := s.store.Put(bucket, key(entityType, entityRef), payload); err != nil {
		return fmt.Errorf("arming alarm for %s/%s: %w", entityType, entityRef, err)
	}
	return nil
}

// Cancel removes any pending alarm for (entityType, entityRef).
func (s *Scheduler) Cancel(entityType, entityRef string) error {
	return s.store.Delete(bucket, key(entityType, entityRef))
}

// Tick scans every armed alarm and fires those whose FireAt has passed.
// A fired alarm is removed before its handler runs, so delivery is at most
// once: if the handler errors, or the process stops between the removal
// and the handler call, the alarm does not fire again and is not re-armed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	var due []Entry
	_ = s.store.ForEach(bucket, func(k, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			clog.WarnContextf(ctx, "alarm: skipping unreadable entry %q: %v", string(k), err)
			return nil
		}
		if !e.FireAt.After(now) {
			due = append(due, e)
		}
		return nil
	})

	// Deterministic firing order keeps behavior reproducible in tests.
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })

	for _, e := range due {
		if err := s.store.Delete(bucket, key(e.EntityType, e.EntityRef)); err != nil {
			clog.WarnContextf(ctx, "alarm: failed to clear fired alarm %s/%s: %v", e.EntityType, e.EntityRef, err)
		}

		s.mu.Lock()
		h, ok := s.handlers[e.EntityType]
		s.mu.Unlock()
		if !ok {
			clog.WarnContextf(ctx, "alarm: no handler registered for entity type %q", e.EntityType)
			continue
		}
		if err := h(ctx, e.EntityRef, e.Event); err != nil {
			clog.WarnContextf(ctx, "alarm: handler for %s/%s failed: %v", e.EntityType, e.EntityRef, err)
		}
	}
}

// Run ticks every interval until ctx is cancelled. Intended to be started
// once per process as a background goroutine.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
