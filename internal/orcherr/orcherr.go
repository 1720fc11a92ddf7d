/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package orcherr classifies errors the way the controllers need to react
// to them: retriable (transient, safe to back off and retry) versus
// permanent (configuration or validation failures that should surface
// synchronously and never be retried).
package orcherr

import (
	"errors"
	"fmt"
)

// retriable wraps an error that a caller should retry with backoff.
type retriable struct {
	err error
}

func (r *retriable) Error() string { return r.err.Error() }
func (r *retriable) Unwrap() error { return r.err }

// Retriable marks err as transient: host-API 5xx, network failures, sandbox
// RPC failures. IsRetriable reports the mark; this type carries no delay
// itself.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriable{err: err}
}

// Retriablef is a convenience wrapper combining fmt.Errorf and Retriable.
func Retriablef(format string, args ...any) error {
	return Retriable(fmt.Errorf(format, args...))
}

// IsRetriable reports whether err (or one of its wrapped causes) was
// produced by Retriable.
func IsRetriable(err error) bool {
	var r *retriable
	return errors.As(err, &r)
}

// permanent wraps a configuration or validation error: unknown agent,
// missing repo context, malformed payload. These never change state and
// are surfaced synchronously as 400 / {ok:false}.
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as a configuration/validation failure that must not
// be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Permanentf is a convenience wrapper combining fmt.Errorf and Permanent.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err (or one of its wrapped causes) was
// produced by Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}
