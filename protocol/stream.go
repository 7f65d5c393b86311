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

package protocol

import "github.com/a2aproject/a2a-go/a2a"

// Accumulator folds incremental stream snapshots into the cumulative
// view of one task. Artifact chunks flagged as appends extend the
// artifact with the same ID; unflagged updates replace it, per the
// wire protocol's artifact-update semantics.
//
// The zero value is ready to use.
type Accumulator struct {
	snap  *TaskSnapshot
	index map[a2a.ArtifactID]int
}

// Add folds one incremental snapshot into the accumulated view.
func (a *Accumulator) Add(snap *TaskSnapshot) {
	if a.snap == nil {
		a.snap = &TaskSnapshot{}
		a.index = make(map[a2a.ArtifactID]int)
	}
	if snap.TaskID != "" {
		a.snap.TaskID = snap.TaskID
	}
	if snap.ContextID != "" {
		a.snap.ContextID = snap.ContextID
	}
	a.snap.State = snap.State
	if snap.Message != nil {
		a.snap.Message = snap.Message
	}

	for _, artifact := range snap.Artifacts {
		i, seen := a.index[artifact.ID]
		switch {
		case seen && snap.Append:
			appendChunk(a.snap.Artifacts[i], artifact.Parts)
		case seen:
			a.snap.Artifacts[i] = artifact
		default:
			a.index[artifact.ID] = len(a.snap.Artifacts)
			a.snap.Artifacts = append(a.snap.Artifacts, artifact)
		}
	}
}

// Snapshot returns the accumulated view, or nil when nothing was added.
func (a *Accumulator) Snapshot() *TaskSnapshot { return a.snap }

// appendChunk extends an artifact with streamed parts. Adjacent text
// parts are concatenated so a chunk boundary never splits a reply.
func appendChunk(artifact *a2a.Artifact, parts a2a.ContentParts) {
	for _, part := range parts {
		if tp, ok := part.(a2a.TextPart); ok && len(artifact.Parts) > 0 {
			if prev, ok := artifact.Parts[len(artifact.Parts)-1].(a2a.TextPart); ok {
				prev.Text += tp.Text
				artifact.Parts[len(artifact.Parts)-1] = prev
				continue
			}
		}
		artifact.Parts = append(artifact.Parts, part)
	}
}
