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

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the scenarios loaded from a directory, indexed by name.
// Watch keeps it current as files change on disk; lookups always see a
// fully validated definition.
type Registry struct {
	dir string

	mu    sync.RWMutex
	defs  map[string]*Definition
	files map[string]string // scenario name -> source path
}

// NewRegistry scans dir for *.yaml / *.yml scenario files.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:   dir,
		defs:  make(map[string]*Definition),
		files: make(map[string]string),
	}
	if err := r.scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named scenario.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: scenario %q not found", ErrInvalidScenario, name)
	}
	return def, nil
}

// Names returns the loaded scenario names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

func (r *Registry) scan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read scenario directory %s: %w", r.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isScenarioFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if err := r.loadPath(path); err != nil {
			slog.Warn("Skipping scenario file", "path", path, "error", err)
		}
	}
	return nil
}

func (r *Registry) loadPath(path string) error {
	def, err := LoadFile(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	r.files[def.Name] = path
	slog.Debug("Loaded scenario", "name", def.Name, "path", path, "steps", len(def.Steps))
	return nil
}

func (r *Registry) removePath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.files {
		if p == path {
			delete(r.defs, name)
			delete(r.files, name)
			slog.Info("Removed scenario", "name", name, "path", path)
		}
	}
}

// Watch reloads scenario files as they change until ctx is canceled.
// Invalid edits are logged and the previous definition is kept.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	slog.Info("Watching scenario directory", "dir", r.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isScenarioFile(filepath.Base(event.Name)) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				r.removePath(event.Name)
			case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
				if err := r.loadPath(event.Name); err != nil {
					slog.Warn("Scenario reload failed, keeping previous definition",
						"path", event.Name, "error", err)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Scenario watcher error", "error", err)
		}
	}
}

func isScenarioFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
