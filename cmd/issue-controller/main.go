/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Command issue-controller runs the IssueController HTTP service: one
// state machine per issue, driving agent assignment, sandboxed
// execution, and result verification (spec.md §4.4).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/devflow/orchestrator/internal/alarm"
	"github.com/devflow/orchestrator/internal/config"
	"github.com/devflow/orchestrator/internal/httpapi"
	"github.com/devflow/orchestrator/internal/kv"
	"github.com/devflow/orchestrator/internal/metrics"
	"github.com/devflow/orchestrator/internal/roster"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/stateful"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/sethvargo/go-envconfig"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config.IssueControllerConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		clog.FatalContextf(ctx, "opening store: %v", err)
	}
	defer db.Close()

	kvStore, err := kv.Open(cfg.KVPath)
	if err != nil {
		clog.FatalContextf(ctx, "opening kv store: %v", err)
	}
	defer kvStore.Close()

	var mirror stateful.Mirror = stateful.NoopMirror{}
	if cfg.MirrorBaseURL != "" {
		mirror = &stateful.HTTPMirror{BaseURL: cfg.MirrorBaseURL}
	}

	pollInterval, err := time.ParseDuration(cfg.AlarmPollInterval)
	if err != nil {
		clog.FatalContextf(ctx, "parsing ALARM_POLL_INTERVAL: %v", err)
	}
	alarms := alarm.New(kvStore)
	go alarms.Run(ctx, pollInterval)

	rosterClient := &roster.Client{BaseURL: cfg.RosterBaseURL}
	sandboxClient := &sandbox.Client{BaseURL: cfg.SandboxBaseURL}

	metrics.Serve(ctx, cfg.MetricsPort, cfg.EnablePprof)

	s := httpapi.New(ctx, nil, db, kvStore, mirror, alarms, rosterClient, sandboxClient, nil, nil, nil)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	clog.InfoContextf(ctx, "issue-controller listening on port %d", cfg.Port)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		clog.FatalContextf(ctx, "server failed: %v", err)
	}
}
