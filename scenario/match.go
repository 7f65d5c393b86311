// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scenario

import "strings"

// Action is the leading directive of a builder reply.
type Action string

const (
	// ActionBuild marks a structure submission to be scored.
	ActionBuild Action = "[BUILD]"

	// ActionAsk marks a clarification question for the QA provider.
	ActionAsk Action = "[ASK]"

	// ActionNone means the reply carried no directive and is compared
	// as plain text.
	ActionNone Action = ""
)

// ParseAction splits a builder reply into its directive and content.
func ParseAction(response string) (Action, string) {
	trimmed := strings.TrimSpace(response)
	fields := strings.Split(trimmed, ";")
	switch Action(strings.TrimSpace(fields[0])) {
	case ActionBuild:
		return ActionBuild, strings.Join(fields[1:], ";")
	case ActionAsk:
		return ActionAsk, strings.TrimSpace(strings.Join(fields[1:], ";"))
	default:
		return ActionNone, trimmed
	}
}

// Match compares a reply against the step's expectation.
//
// Structure replies ("Color,x,y,z;...") are compared as normalized sets:
// color casing is canonicalized and empty or malformed items dropped, so
// ordering and stray separators do not affect scoring. Anything else is
// compared as trimmed text.
func Match(content, expect string) bool {
	got := normalizeStructure(content)
	want := normalizeStructure(expect)
	if len(want) > 0 {
		if len(got) != len(want) {
			return false
		}
		for item := range want {
			if _, ok := got[item]; !ok {
				return false
			}
		}
		return true
	}
	return strings.EqualFold(strings.TrimSpace(content), strings.TrimSpace(expect))
}

// normalizeStructure canonicalizes "Color,x,y,z" items into a set.
// Items without exactly four fields are dropped.
func normalizeStructure(s string) map[string]struct{} {
	normalized := make(map[string]struct{})
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ",")
		if len(parts) != 4 {
			continue
		}
		color := strings.ToLower(strings.TrimSpace(parts[0]))
		if color == "" {
			continue
		}
		color = strings.ToUpper(color[:1]) + color[1:]
		coords := make([]string, 0, 3)
		for _, p := range parts[1:] {
			coords = append(coords, strings.TrimSpace(p))
		}
		normalized[color+","+strings.Join(coords, ",")] = struct{}{}
	}
	return normalized
}
