/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package stateful provides the StatefulEntity base every controller
// composes (spec.md §4.1): on every state-machine transition it snapshots
// synchronously to the local kv store and asynchronously mirrors to an
// external canonical store with exponential-backoff retry, detached from
// the request that triggered the transition.
package stateful

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/devflow/orchestrator/internal/kv"
)

// Mirror is the external canonical store collaborator. Writes are
// idempotent, keyed by (entityType, entityRef); spec.md §9 warns this
// store must never be read back as a source of truth, so Mirror exposes
// no Get.
type Mirror interface {
	Put(ctx context.Context, entityType, entityRef string, snapshot []byte) error
}

// Clock abstracts time.Sleep so retry backoff is testable without
// actually waiting.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}

const (
	baseDelay  = 100 * time.Millisecond
	maxDelay   = 100 * time.Second
	maxAttempt = 10
)

// BackoffDelay returns the exponential backoff delay for the given
// zero-based attempt number: 100ms * 2^attempt, capped at 100s
// (spec.md §4.1).
func BackoffDelay(attempt int) time.Duration {
	d := baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Entity is the bucket/key pair local snapshots are written under, and
// the (entityType, entityRef) pair used to key mirror writes.
type Entity struct {
	LocalBucket string // e.g. "machineState", "prState", "syncState"
	LocalKey    string // fixed key within that bucket, typically the entity ref
	Type        string // "issue", "pr", "repo" — mirror entity_type
	Ref         string // mirror entity_ref
}

// Base is embedded by each controller's hosting type. It is not itself a
// state machine; it is the persistence/mirroring side of StatefulEntity.
type Base struct {
	entity Entity
	local  *kv.Store
	mirror Mirror
	clock  Clock

	// background is used to launch the mirror write so it survives the
	// triggering request; production wiring passes a context derived from
	// the process's lifetime (the "continue after response" primitive),
	// not the per-request context.
	background context.Context
}

// New constructs a Base for entity, writing to local and mirroring via
// mirror. background must outlive any individual request (e.g.
// the process's root context) so mirror retries survive request
// completion.
func New(background context.Context, entity Entity, local *kv.Store, mirror Mirror) *Base {
	return &Base{entity: entity, local: local, mirror: mirror, clock: RealClock, background: background}
}

// WithClock overrides the retry clock, for tests.
func (b *Base) WithClock(c Clock) *Base {
	b.clock = c
	return b
}

// Load reads the local snapshot for this entity, if any. Callers use this
// on startup to reconstruct their state machine; ok is false if no
// snapshot has ever been written (start in initial state).
func (b *Base) Load() (snapshot []byte, ok bool, err error) {
	v, err := b.local.Get(b.entity.LocalBucket, b.entity.LocalKey)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading local snapshot for %s: %w", b.entity.Ref, err)
	}
	return v, true, nil
}

// OnTransition is called after every state-machine transition. It writes
// snapshot synchronously to the local store, then launches an
// asynchronous, retrying mirror write that survives the caller's request.
func (b *Base) OnTransition(ctx context.Context, snapshot []byte) error {
	if err := b.local.Put(b.entity.LocalBucket, b.entity.LocalKey, snapshot); err != nil {
		return fmt.Errorf("writing local snapshot for %s: %w", b.entity.Ref, err)
	}

	clog.FromContext(ctx).Debugf("stateful: scheduling mirror write for %s/%s", b.entity.Type, b.entity.Ref)
	go b.mirrorWithRetry(snapshot)
	return nil
}

func (b *Base) mirrorWithRetry(snapshot []byte) {
	ctx := b.background
	log := clog.FromContext(ctx)

	for attempt := 0; attempt < maxAttempt; attempt++ {
		if err := b.mirror.Put(ctx, b.entity.Type, b.entity.Ref, snapshot); err == nil {
			return
		} else if attempt == 0 {
			log.Warnf("stateful: mirror write for %s/%s failed, retrying: %v", b.entity.Type, b.entity.Ref, err)
		}

		if attempt == maxAttempt-1 {
			log.Errorf("stateful: mirror write for %s/%s exhausted %d attempts, dropping (eventually consistent)", b.entity.Type, b.entity.Ref, maxAttempt)
			return
		}
		b.clock.Sleep(ctx, BackoffDelay(attempt))
	}
}
