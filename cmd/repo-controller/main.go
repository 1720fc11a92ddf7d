/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Command repo-controller runs the RepoController HTTP service: it
// ingests host issue and backlog-push webhooks, keeps the internal
// store reconciled against them, and dispatches newly-ready issues to
// the issue-controller service (spec.md §4.3).
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
	"github.com/devflow/orchestrator/internal/config"
	"github.com/devflow/orchestrator/internal/devworkflow"
	"github.com/devflow/orchestrator/internal/ghapp"
	"github.com/devflow/orchestrator/internal/ghclient"
	"github.com/devflow/orchestrator/internal/httpapi"
	"github.com/devflow/orchestrator/internal/metrics"
	"github.com/devflow/orchestrator/internal/repocontroller"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/sethvargo/go-envconfig"
)

type repoConfig struct {
	config.RepoControllerConfig

	IssueControllerBaseURL string `env:"ISSUE_CONTROLLER_BASE_URL,required"`
	DevAgent                string `env:"DEV_AGENT,required"`
	DevCredential           string `env:"DEV_CREDENTIAL,required"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg repoConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		clog.FatalContextf(ctx, "opening store: %v", err)
	}
	defer db.Close()

	key, err := ghapp.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		clog.FatalContextf(ctx, "parsing GitHub App private key: %v", err)
	}
	clients := ghclient.NewCache(key, cfg.AppID)
	if cfg.APIBaseURL != "" {
		clients = clients.WithAPIBaseURL(cfg.APIBaseURL)
	}

	starter := devworkflow.New(cfg.IssueControllerBaseURL, cfg.DevAgent, cfg.DevCredential, cfg.Owner+"/"+cfg.Repo, cfg.InstallationID)

	repo := &repocontroller.Controller{
		DB: db, Clients: clients, Workflows: starter,
		Owner: cfg.Owner, Repo: cfg.Repo, InstallationID: cfg.InstallationID, BacklogPath: cfg.BacklogPath,
	}

	metrics.Serve(ctx, cfg.MetricsPort, cfg.EnablePprof)

	s := httpapi.New(ctx, repo, db, nil, nil, nil, nil, nil, nil, nil, nil)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	clog.InfoContextf(ctx, "repo-controller listening on port %d for %s/%s", cfg.Port, cfg.Owner, cfg.Repo)
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
