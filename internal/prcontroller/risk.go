/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prcontroller

import "strings"

var riskLevels = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

// globMatch anchors pattern against the full path. `**` matches any
// characters including `/`; `*` matches any characters except `/`; `?`
// matches exactly one character (spec.md §4.5 "Glob semantics").
func globMatch(pattern, path string) bool {
	return globMatchRec(pattern, path)
}

func globMatchRec(pattern, s string) bool {
	for {
		switch {
		case pattern == "":
			return s == ""
		case strings.HasPrefix(pattern, "**"):
			rest := pattern[2:]
			if rest == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchRec(rest, s[i:]) {
					return true
				}
			}
			return false
		case strings.HasPrefix(pattern, "*"):
			rest := pattern[1:]
			for i := 0; i <= len(s); i++ {
				if s[:i] != "" && strings.ContainsRune(s[:i], '/') {
					break
				}
				if globMatchRec(rest, s[i:]) {
					return true
				}
			}
			return false
		case strings.HasPrefix(pattern, "?"):
			if s == "" {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if s == "" || pattern[0] != s[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
}

// assessRisk evaluates files against the approval gate config's critical
// path globs and file-count thresholds (spec.md §4.5 "Risk assessment").
func assessRisk(files []string, gates ApprovalGateConfig) RiskAssessment {
	var factors []string
	touchesCritical := false
	for _, pattern := range gates.CriticalPaths {
		for _, f := range files {
			if globMatch(pattern, f) {
				touchesCritical = true
				factors = append(factors, "matches critical path "+pattern)
				break
			}
		}
		if touchesCritical {
			break
		}
	}

	level := "low"
	switch {
	case touchesCritical:
		level = "critical"
	case len(files) > 50:
		level = "high"
		factors = append(factors, "more than 50 files changed")
	case len(files) > 20:
		level = "medium"
		factors = append(factors, "more than 20 files changed")
	}

	threshold := gates.RiskThreshold
	if threshold == "" {
		threshold = "high"
	}
	requiresApproval := riskLevels[level] >= riskLevels[threshold] || touchesCritical

	return RiskAssessment{
		Level:                 level,
		Factors:                factors,
		TouchesCriticalPath:    touchesCritical,
		RequiresHumanApproval:  requiresApproval,
	}
}
