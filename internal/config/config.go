/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config defines the envconfig-tagged structs each controller
// binary parses its environment into, following the teacher's
// cmd/reconciler/main.go convention of a single flat `config` struct
// processed with github.com/sethvargo/go-envconfig.
package config

// Common fields every controller binary needs: where to listen, where
// its local stores live, and how often to sweep scheduled alarms.
type Common struct {
	Port        int    `env:"PORT,default=8080"`
	MetricsPort int    `env:"METRICS_PORT,default=2112"`
	EnablePprof bool   `env:"ENABLE_PPROF,default=false"`
	DBPath      string `env:"DB_PATH,default=orchestrator.db"`
	KVPath      string `env:"KV_PATH,default=state.db"`
	AlarmPollInterval string `env:"ALARM_POLL_INTERVAL,default=5s"`
}

// GitHubApp carries the installation-token credentials RepoController
// and the merge/rollback clients mint short-lived tokens from
// (spec.md §4.3 "Credential handling").
type GitHubApp struct {
	AppID      string `env:"GITHUB_APP_ID,required"`
	PrivateKey string `env:"GITHUB_APP_PRIVATE_KEY,required"`
	APIBaseURL string `env:"GITHUB_API_BASE_URL"`
}

// Sandbox points at the execution sandbox RPC both IssueController and
// PRController submit tasks to (spec.md §4.4, §4.5).
type Sandbox struct {
	SandboxBaseURL string `env:"SANDBOX_BASE_URL,required"`
}

// Roster points at the external agent catalog IssueController resolves
// agent IDs against (spec.md §4.4).
type Roster struct {
	RosterBaseURL string `env:"ROSTER_BASE_URL,required"`
}

// Mirror points at the external canonical store StatefulEntity
// asynchronously mirrors every snapshot to (spec.md §4.1).
type Mirror struct {
	MirrorBaseURL string `env:"MIRROR_BASE_URL"`
}

// RepoControllerConfig is cmd/repo-controller's environment.
type RepoControllerConfig struct {
	Common
	GitHubApp
	Mirror

	Owner          string `env:"REPO_OWNER,required"`
	Repo           string `env:"REPO_NAME,required"`
	InstallationID int64  `env:"REPO_INSTALLATION_ID,required"`
	BacklogPath    string `env:"BACKLOG_PATH,default=.beads/issues.jsonl"`
}

// IssueControllerConfig is cmd/issue-controller's environment.
type IssueControllerConfig struct {
	Common
	Sandbox
	Roster
	Mirror
}

// PRControllerConfig is cmd/pr-controller's environment.
type PRControllerConfig struct {
	Common
	GitHubApp
	Sandbox
	Mirror
}
