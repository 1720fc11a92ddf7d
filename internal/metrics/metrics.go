/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics runs the secondary metrics/pprof listener every
// controller binary starts alongside its primary API server, the way the
// teacher's cmd/reconciler binaries register one via go-grpc-kit's
// duplex.RegisterListenAndServeMetrics(port, enablePprof).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve starts a background HTTP server on port exposing /metrics, and,
// when enablePprof is true, the net/http/pprof endpoints under
// /debug/pprof. It runs until ctx is done and does not block the caller.
func Serve(ctx context.Context, port int, enablePprof bool) {
	if port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			clog.FromContext(ctx).Errorf("metrics: server on port %d failed: %v", port, err)
		}
	}()
}
