/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prcontroller

import (
	"regexp"
	"strings"
)

var escalateComment = regexp.MustCompile(`<!--\s*escalate:\s*([^>]*?)\s*-->`)

// parseEscalations extracts a deduplicated, ordered list of agent names
// from `<!-- escalate: a, b -->` comments embedded in a review body
// (spec.md §4.5 "Escalation parsing").
func parseEscalations(body string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range escalateComment.FindAllStringSubmatch(body, -1) {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// honoredEscalations filters raw escalation targets down to those the
// current reviewer is permitted to escalate to.
func honoredEscalations(targets []string, canEscalate []string) []string {
	allowed := map[string]bool{}
	for _, a := range canEscalate {
		allowed[a] = true
	}
	var out []string
	for _, t := range targets {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}

// insertEscalations inserts honored escalation targets not already present
// in reviewers immediately after currentIndex, preserving the order of
// both the existing reviewers after currentIndex and the new targets
// (spec.md §4.5: "inserted immediately after the current reviewer index").
func insertEscalations(reviewers []ReviewerConfig, currentIndex int, targets []string, credential string) []ReviewerConfig {
	existing := map[string]bool{}
	for _, r := range reviewers {
		existing[r.Agent] = true
	}

	var toInsert []ReviewerConfig
	for _, name := range targets {
		if existing[name] {
			continue
		}
		existing[name] = true
		toInsert = append(toInsert, ReviewerConfig{Agent: name, Type: "agent", Credential: credential})
	}
	if len(toInsert) == 0 {
		return reviewers
	}

	out := make([]ReviewerConfig, 0, len(reviewers)+len(toInsert))
	out = append(out, reviewers[:currentIndex+1]...)
	out = append(out, toInsert...)
	out = append(out, reviewers[currentIndex+1:]...)
	return out
}
