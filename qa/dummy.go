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

package qa

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Dummy is a deterministic provider for offline evaluation runs. It
// answers color questions from the target description and gives a
// neutral reply to everything else, so repeated runs produce identical
// transcripts.
type Dummy struct{}

// NewDummy returns the deterministic provider.
func NewDummy() *Dummy {
	return &Dummy{}
}

// Name implements Provider.
func (d *Dummy) Name() string { return "dummy" }

// Answer implements Provider.
func (d *Dummy) Answer(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if strings.Contains(strings.ToLower(req.Question), "color") {
		if colors := targetColors(req.Target); len(colors) > 0 {
			return &Response{
				Answer: fmt.Sprintf("Colors in target: %s.", strings.Join(colors, ", ")),
			}, nil
		}
	}
	return &Response{Answer: "I can answer questions about the target structure."}, nil
}

// targetColors extracts the distinct block colors from a structure
// description, sorted for stable output.
func targetColors(target string) []string {
	seen := make(map[string]struct{})
	for _, block := range strings.Split(target, ";") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		color, _, _ := strings.Cut(block, ",")
		color = strings.TrimSpace(color)
		if color == "" {
			continue
		}
		seen[color] = struct{}{}
	}

	colors := make([]string, 0, len(seen))
	for c := range seen {
		colors = append(colors, c)
	}
	sort.Strings(colors)
	return colors
}
