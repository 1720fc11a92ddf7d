/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package backlog implements the in-repo JSON-lines issue file (spec.md
// §6, ".beads/issues.jsonl") and the host label schema that mirrors
// status/priority/type onto GitHub labels (spec.md §4.3, "Label schema").
package backlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devflow/orchestrator/internal/store"
)

// Record is the JSON-lines shape of one backlog issue. Fields mirror the
// Issue table plus labels and dependencies (spec.md §6). Omitted fields
// take their Issue default; `undefined` fields are omitted on export via
// the struct's omitempty tags.
type Record struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title,omitempty"`
	Description        string             `json:"description,omitempty"`
	Design             string             `json:"design,omitempty"`
	AcceptanceCriteria string             `json:"acceptance_criteria,omitempty"`
	Notes              string             `json:"notes,omitempty"`
	Status             string             `json:"status,omitempty"`
	Priority           *int               `json:"priority,omitempty"`
	IssueType          string             `json:"issue_type,omitempty"`
	Assignee           *string            `json:"assignee,omitempty"`
	CreatedAt          string             `json:"created_at,omitempty"`
	UpdatedAt          string             `json:"updated_at,omitempty"`
	ClosedAt           string             `json:"closed_at,omitempty"`
	CloseReason        string             `json:"close_reason,omitempty"`
	HostNumber         *int               `json:"host_number,omitempty"`
	HostID             *int               `json:"host_id,omitempty"`
	Labels             []string           `json:"labels,omitempty"`
	Dependencies       []RecordDependency `json:"dependencies,omitempty"`
}

// RecordDependency is the JSONL shape of a Dependency (spec.md §3).
type RecordDependency struct {
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

// ParseJSONL parses a .beads/issues.jsonl document into Records, one per
// non-empty line.
func ParseJSONL(data []byte) ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("backlog: parsing line %d: %w", lineNo, err)
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("backlog: scanning jsonl: %w", err)
	}
	return out, nil
}

// ToIssue converts a parsed Record into a store.Issue, applying Issue
// defaults for omitted fields.
func (r Record) ToIssue(now time.Time) (*store.Issue, []store.Dependency, error) {
	issue := &store.Issue{
		ID:                 r.ID,
		Title:              r.Title,
		Description:        r.Description,
		Design:             r.Design,
		AcceptanceCriteria: r.AcceptanceCriteria,
		Notes:              r.Notes,
		Status:             store.StatusOpen,
		Priority:           2,
		IssueType:          store.TypeTask,
		Labels:             append([]string(nil), r.Labels...),
	}
	if r.Status != "" {
		issue.Status = store.Status(r.Status)
	}
	if r.Priority != nil {
		issue.Priority = clampPriority(*r.Priority)
	}
	if r.IssueType != "" {
		issue.IssueType = store.IssueType(r.IssueType)
	}
	issue.Assignee = r.Assignee
	issue.HostNumber = r.HostNumber
	issue.HostID = r.HostID
	issue.CloseReason = r.CloseReason

	var err error
	issue.CreatedAt = now
	if r.CreatedAt != "" {
		if issue.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("backlog: parsing created_at for %s: %w", r.ID, err)
		}
	}
	issue.UpdatedAt = now
	if r.UpdatedAt != "" {
		if issue.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.UpdatedAt); err != nil {
			return nil, nil, fmt.Errorf("backlog: parsing updated_at for %s: %w", r.ID, err)
		}
	}
	if r.ClosedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, r.ClosedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("backlog: parsing closed_at for %s: %w", r.ID, err)
		}
		issue.ClosedAt = &t
	}

	deps := make([]store.Dependency, 0, len(r.Dependencies))
	for _, d := range r.Dependencies {
		deps = append(deps, store.Dependency{
			IssueID:     r.ID,
			DependsOnID: d.DependsOnID,
			Type:        store.DependencyType(d.Type),
		})
	}
	return issue, deps, nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 4 {
		return 4
	}
	return p
}

// FromIssue converts a hydrated store.Issue back into its JSONL Record so
// that export(import(B)) round-trips (spec.md §8). Empty optional fields
// are omitted, status is left out when it is open and priority when it is
// 2; issue_type is always written, even when it is the default.
func FromIssue(issue *store.Issue) Record {
	r := Record{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Design:      issue.Design,
		AcceptanceCriteria: issue.AcceptanceCriteria,
		Notes:       issue.Notes,
		IssueType:   string(issue.IssueType),
		Assignee:    issue.Assignee,
		CreatedAt:   issue.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   issue.UpdatedAt.UTC().Format(time.RFC3339Nano),
		CloseReason: issue.CloseReason,
		HostNumber:  issue.HostNumber,
		HostID:      issue.HostID,
		Labels:      append([]string(nil), issue.Labels...),
	}
	if issue.Status != store.StatusOpen {
		r.Status = string(issue.Status)
	}
	if issue.Priority != 2 {
		p := issue.Priority
		r.Priority = &p
	}
	if issue.ClosedAt != nil {
		r.ClosedAt = issue.ClosedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, d := range issue.Dependencies {
		r.Dependencies = append(r.Dependencies, RecordDependency{DependsOnID: d.DependsOnID, Type: string(d.Type)})
	}
	return r
}

// Export serializes issues as JSON-lines, ordered by id ASC (spec.md §4.3,
// §6: "export is deterministic ordered by id ASC").
func Export(issues []*store.Issue) ([]byte, error) {
	sorted := append([]*store.Issue(nil), issues...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, issue := range sorted {
		if err := enc.Encode(FromIssue(issue)); err != nil {
			return nil, fmt.Errorf("backlog: encoding issue %s: %w", issue.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// priorityLabels is the bit-exact P0..P4 label set (spec.md §4.3).
var priorityLabels = []string{"P0", "P1", "P2", "P3", "P4"}

// allowedTypeLabels are the issue_type values that double as a host label.
var allowedTypeLabels = map[string]bool{
	string(store.TypeBug): true, string(store.TypeFeature): true, string(store.TypeTask): true,
	string(store.TypeEpic): true, string(store.TypeChore): true,
}

// BuildHostLabels computes the label set pushed to the host for issue,
// per spec.md §4.3 "Label schema (bit-exact)": priority label, plus
// in-progress/blocked status labels (open/closed use host native state,
// not labels), plus the type label, plus the issue's own user labels.
func BuildHostLabels(issue *store.Issue) []string {
	seen := map[string]bool{}
	var out []string
	add := func(l string) {
		if l == "" || seen[l] {
			return
		}
		seen[l] = true
		out = append(out, l)
	}

	for _, l := range issue.Labels {
		add(l)
	}
	add(priorityLabels[clampPriority(issue.Priority)])
	switch issue.Status {
	case store.StatusInProgress:
		add("in-progress")
	case store.StatusBlocked:
		add("blocked")
	}
	if allowedTypeLabels[string(issue.IssueType)] {
		add(string(issue.IssueType))
	}
	return out
}

// ParsePriorityFromLabels returns the priority implied by labels: the
// first matching P0..P4 label, or 2 if none match (spec.md §4.3).
func ParsePriorityFromLabels(labels []string) int {
	for _, want := range priorityLabels {
		for _, l := range labels {
			if strings.EqualFold(l, want) {
				for i, p := range priorityLabels {
					if p == want {
						return i
					}
				}
			}
		}
	}
	return 2
}

// ParseStatusFromLabels derives status from label-encoded state and the
// host's native open/closed flag, per spec.md §4.3: "priority = first
// matching label or 2; status = closed if host state is closed else
// label-derived else open".
func ParseStatusFromLabels(labels []string, hostClosed bool) store.Status {
	if hostClosed {
		return store.StatusClosed
	}
	for _, l := range labels {
		switch strings.ToLower(l) {
		case "in-progress":
			return store.StatusInProgress
		case "blocked":
			return store.StatusBlocked
		}
	}
	return store.StatusOpen
}

// UserLabels filters the bit-exact system labels (priority/status/type) out
// of a raw label list, returning only the labels a user attached by hand.
// Used when importing host labels back into Issue.Labels so re-export
// doesn't duplicate system-derived labels.
func UserLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		lower := strings.ToLower(l)
		if lower == "in-progress" || lower == "blocked" {
			continue
		}
		isPriority := false
		for _, p := range priorityLabels {
			if strings.EqualFold(l, p) {
				isPriority = true
				break
			}
		}
		if isPriority || allowedTypeLabels[lower] {
			continue
		}
		out = append(out, l)
	}
	return out
}
