/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prcontroller

// defaultGateConfig is the baseline every cascade starts from.
func defaultGateConfig() ApprovalGateConfig {
	return ApprovalGateConfig{
		RequireHumanApproval: false,
		AllowFullAutonomy:    false,
		RiskThreshold:        "high",
	}
}

// mergeGateConfig cascades defaults ← org ← repo, unless repo sets
// inherit_from_org = false, in which case repo alone applies on top of
// defaults (spec.md §4.5 "Config cascade").
func mergeGateConfig(org, repo ApprovalGateConfig) ApprovalGateConfig {
	merged := defaultGateConfig()
	if repo.InheritFromOrg == nil || *repo.InheritFromOrg {
		merged = overlayGateConfig(merged, org)
	}
	return overlayGateConfig(merged, repo)
}

func overlayGateConfig(base, over ApprovalGateConfig) ApprovalGateConfig {
	out := base
	out.RequireHumanApproval = out.RequireHumanApproval || over.RequireHumanApproval
	if over.AllowFullAutonomy {
		out.AllowFullAutonomy = true
	}
	if over.RiskThreshold != "" {
		out.RiskThreshold = over.RiskThreshold
	}
	if len(over.CriticalPaths) > 0 {
		out.CriticalPaths = over.CriticalPaths
	}
	if len(over.AutoApproveLabels) > 0 {
		out.AutoApproveLabels = over.AutoApproveLabels
	}
	if len(over.RequireApprovalLabels) > 0 {
		out.RequireApprovalLabels = over.RequireApprovalLabels
	}
	if over.InheritFromOrg != nil {
		out.InheritFromOrg = over.InheritFromOrg
	}
	return out
}

func labelIntersects(labels, set []string) bool {
	want := map[string]bool{}
	for _, l := range set {
		want[l] = true
	}
	for _, l := range labels {
		if want[l] {
			return true
		}
	}
	return false
}

// canAutoMerge implements spec.md §4.5's canAutoMerge guard.
func canAutoMerge(gates ApprovalGateConfig, risk *RiskAssessment, labels []string, humanApprovalGranted bool) bool {
	if gates.AllowFullAutonomy || humanApprovalGranted {
		return true
	}
	if labelIntersects(labels, gates.AutoApproveLabels) {
		return true
	}
	return risk != nil && !risk.RequiresHumanApproval
}

// requiresHumanApproval implements spec.md §4.5's requiresHumanApproval guard.
func requiresHumanApproval(gates ApprovalGateConfig, risk *RiskAssessment, labels []string) bool {
	if gates.RequireHumanApproval {
		return true
	}
	if labelIntersects(labels, gates.RequireApprovalLabels) {
		return true
	}
	return risk != nil && risk.RequiresHumanApproval
}
