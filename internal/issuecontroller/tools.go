/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package issuecontroller

import "strings"

// builtinApps never require a user connection to be usable (spec.md §4.4).
var builtinApps = map[string]bool{
	"file": true, "code": true, "search": true, "browser": true,
	"stagehand": true, "browserbase": true, "todo.mdx": true,
}

// ConnectionChecker reports whether the invoking user has an active
// connection to app, in the app's storage-name form.
type ConnectionChecker interface {
	HasConnection(app string) bool
}

func appPrefix(tool string) string {
	if i := strings.IndexByte(tool, '.'); i >= 0 {
		return tool[:i]
	}
	return tool
}

func usable(app string, conns ConnectionChecker) bool {
	if builtinApps[strings.ToLower(app)] {
		return true
	}
	return conns != nil && conns.HasConnection(app)
}

// evaluateTools classifies each required tool against the agent's
// declared pattern list, per spec.md §4.4 "Tool availability":
//  1. `*` grants everything.
//  2. `<app>.*` matches any tool whose app-prefix equals app, subject to
//     app being built-in or connected.
//  3. An exact pattern match, subject to the same connection rule.
func evaluateTools(required, patterns []string, conns ConnectionChecker) (available, missing []string) {
	for _, tool := range required {
		if toolAvailable(tool, patterns, conns) {
			available = append(available, tool)
		} else {
			missing = append(missing, tool)
		}
	}
	return available, missing
}

func toolAvailable(tool string, patterns []string, conns ConnectionChecker) bool {
	lowerTool := strings.ToLower(tool)
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if strings.HasSuffix(p, ".*") {
			app := p[:len(p)-2]
			if strings.EqualFold(appPrefix(lowerTool), app) && usable(app, conns) {
				return true
			}
			continue
		}
		if strings.EqualFold(p, tool) && usable(appPrefix(lowerTool), conns) {
			return true
		}
	}
	return false
}
