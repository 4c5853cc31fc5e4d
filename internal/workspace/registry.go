// Package workspace holds the workspace name registry and the path scoper
// that confines every spawned child to the configured root.
package workspace

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/workbench-sh/workbench/internal/logger"
)

// Workspace is a named directory a session may be bound to.
type Workspace struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

type registryFile struct {
	Workspaces []Workspace `yaml:"workspaces"`
}

// Registry maps workspace names to scoped absolute paths, backed by a YAML
// file that is hot-reloaded when it changes on disk.
type Registry struct {
	path   string
	scoper *Scoper

	mu     sync.RWMutex
	byName map[string]Workspace

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// OpenRegistry loads the registry file and starts watching it for changes.
// A missing file is not an error; the registry starts empty.
func OpenRegistry(path string, scoper *Scoper) (*Registry, error) {
	r := &Registry{
		path:   path,
		scoper: scoper,
		byName: make(map[string]Workspace),
		done:   make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	r.watcher = w
	// Watch the file itself when it exists; editors that replace the file
	// drop the watch, so re-add after each event.
	if _, statErr := os.Stat(path); statErr == nil {
		w.Add(path)
	}
	go r.watchLoop()
	return r, nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				logger.Warn("workspace registry reload failed", "path", r.path, "err", err)
				continue
			}
			r.watcher.Add(r.path)
			logger.Info("workspace registry reloaded", "path", r.path, "count", r.Count())
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("workspace registry watch error", "err", err)
		}
	}
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", r.path, err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}

	byName := make(map[string]Workspace, len(f.Workspaces))
	for _, ws := range f.Workspaces {
		if ws.Name == "" || ws.Path == "" {
			return fmt.Errorf("parse %s: workspace entries need both name and path", r.path)
		}
		scoped, err := r.scoper.Scope(ws.Path)
		if err != nil {
			return fmt.Errorf("workspace %q: %w", ws.Name, err)
		}
		byName[ws.Name] = Workspace{Name: ws.Name, Path: scoped}
	}

	r.mu.Lock()
	r.byName = byName
	r.mu.Unlock()
	return nil
}

// Lookup returns the workspace for a name.
func (r *Registry) Lookup(name string) (Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.byName[name]
	return ws, ok
}

// List returns all workspaces sorted by name.
func (r *Registry) List() []Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Workspace, 0, len(r.byName))
	for _, ws := range r.byName {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered workspaces.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
