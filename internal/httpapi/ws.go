/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsUpgrader accepts same-origin and cross-origin clients alike: this
// API has no browser session of its own to protect against CSRF, and
// callers are expected to authenticate at the ingress layer (spec.md
// §6 notes HTTP ingress routing is out of scope here).
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchClose spawns a reader that discards incoming frames (this API
// is send-only) and cancels when the client disconnects or sends a
// close frame.
func watchClose(parent context.Context, conn *websocket.Conn) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return ctx
}

// readUntilClosed relays messages from ch onto the returned channel
// until ctx is done or ch closes.
func readUntilClosed[T any](ctx context.Context, conn *websocket.Conn, ch <-chan T) <-chan T {
	watched := watchClose(ctx, conn)
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-watched.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-watched.Done():
					return
				}
			}
		}
	}()
	return out
}
