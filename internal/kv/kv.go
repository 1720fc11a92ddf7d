/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package kv is the durable key/value half of the persistence kernel
// (spec.md §2, "Persistence kernel"). It backs state-machine snapshots
// (machineState/prState) and the alarm schedule, each in its own bbolt
// bucket. Repository context and rollback records are not kept here.
package kv

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when the key is absent from the bucket.
var ErrNotFound = errors.New("kv: key not found")

// Store is a single bbolt-backed database file shared by every entity
// instance hosted in one process. Buckets namespace unrelated concerns;
// individual controllers are expected to key their bucket by entity type
// plus id so that different entities never collide.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening kv store %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes value under key in bucket, creating the bucket if needed.
// This is the "synchronous, fast" local write StatefulEntity uses on
// every transition (spec.md §4.1).
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("creating bucket %q: %w", bucket, err)
		}
		return b.Put([]byte(key), value)
	})
}

// Get reads the value stored under key in bucket. Returns ErrNotFound if
// the bucket or key does not exist.
func (s *Store) Get(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append(out, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes key from bucket. It is a no-op if the bucket or key does
// not exist.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in bucket in lexicographic key
// order. It is used for alarm-schedule scans.
func (s *Store) ForEach(bucket string, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

// Update runs fn inside a single read/write transaction scoped to bucket,
// creating the bucket if necessary, giving callers read-then-write
// atomicity within that bucket.
func (s *Store) Update(bucket string, fn func(b *bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("creating bucket %q: %w", bucket, err)
		}
		return fn(b)
	})
}
