/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Command pr-controller runs the PRController HTTP service: one state
// machine per pull request, driving agent review, approval gating,
// merge, and rollback (spec.md §4.5).
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
	"github.com/devflow/orchestrator/internal/cms"
	"github.com/devflow/orchestrator/internal/config"
	"github.com/devflow/orchestrator/internal/ghapp"
	"github.com/devflow/orchestrator/internal/ghclient"
	"github.com/devflow/orchestrator/internal/httpapi"
	"github.com/devflow/orchestrator/internal/kv"
	"github.com/devflow/orchestrator/internal/metrics"
	"github.com/devflow/orchestrator/internal/rollback"
	"github.com/devflow/orchestrator/internal/sandbox"
	"github.com/devflow/orchestrator/internal/stateful"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/sethvargo/go-envconfig"
)

type prConfig struct {
	config.PRControllerConfig

	Owner          string `env:"REPO_OWNER,required"`
	Repo           string `env:"REPO_NAME,required"`
	InstallationID int64  `env:"REPO_INSTALLATION_ID,required"`
	CloneURL       string `env:"REPO_CLONE_URL,required"`
	CMSBaseURL     string `env:"CMS_BASE_URL"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg prConfig
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

	key, err := ghapp.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		clog.FatalContextf(ctx, "parsing GitHub App private key: %v", err)
	}
	clients := ghclient.NewCache(key, cfg.AppID)
	if cfg.APIBaseURL != "" {
		clients = clients.WithAPIBaseURL(cfg.APIBaseURL)
	}

	merger := &ghclient.Merger{Clients: clients, Owner: cfg.Owner, Repo: cfg.Repo, InstallationID: cfg.InstallationID}
	rollbackClient := &rollback.Client{
		Owner: cfg.Owner, Repo: cfg.Repo, CloneURL: cfg.CloneURL,
		GitHub:      clients.Client(ctx, cfg.InstallationID),
		TokenSource: clients.TokenSource(ctx, cfg.InstallationID),
	}
	sandboxClient := &sandbox.Client{BaseURL: cfg.SandboxBaseURL}

	metrics.Serve(ctx, cfg.MetricsPort, cfg.EnablePprof)

	s := httpapi.New(ctx, nil, db, kvStore, mirror, alarms, nil, sandboxClient, nil, merger, rollbackClient)
	if cfg.CMSBaseURL != "" {
		s.CMS = &cms.Client{BaseURL: cfg.CMSBaseURL}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	clog.InfoContextf(ctx, "pr-controller listening on port %d for %s/%s", cfg.Port, cfg.Owner, cfg.Repo)
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
