// Package loader resolves workflow names to definition files, parses and
// caches them, and invalidates cached definitions when the underlying
// files change on disk.
package loader

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// WorkflowSubdir is the discovery directory relative to each search root.
const WorkflowSubdir = ".aromcp/workflows"

// Config configures a Loader.
type Config struct {
	// ProjectDir is searched first; HomeDir second. Either may be empty.
	ProjectDir string
	HomeDir    string
	// Dirs overrides discovery entirely when non-empty (environment
	// variable override).
	Dirs   []string
	Logger *slog.Logger
}

// Info describes a discoverable workflow.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

type cached struct {
	def      *def.Definition
	warnings []string
	path     string
}

// Loader loads workflow definitions by name with caching. Concurrent
// loads of the same name are deduplicated; file changes observed through
// fsnotify evict the cache entry so the next load re-reads the file.
type Loader struct {
	dirs   []string
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[string]*cached
	group   singleflight.Group
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Loader and starts watching the discovery directories that
// exist. Watching is best-effort; a missing directory is not an error.
func New(cfg Config) (*Loader, error) {
	dirs := cfg.Dirs
	if len(dirs) == 0 {
		if cfg.ProjectDir != "" {
			dirs = append(dirs, filepath.Join(cfg.ProjectDir, WorkflowSubdir))
		}
		if cfg.HomeDir != "" {
			dirs = append(dirs, filepath.Join(cfg.HomeDir, WorkflowSubdir))
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		dirs:   dirs,
		logger: logger.With("component", "loader"),
		cache:  map[string]*cached{},
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("workflow directory watching disabled", "error", err)
		return l, nil
	}
	l.watcher = watcher
	for _, dir := range dirs {
		if _, statErr := os.Stat(dir); statErr == nil {
			if addErr := watcher.Add(dir); addErr != nil {
				l.logger.Warn("cannot watch workflow directory", "dir", dir, "error", addErr)
			}
		}
	}
	go l.watch()
	return l, nil
}

// Close stops the directory watcher.
func (l *Loader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// Load returns the definition for a workflow name, loading and validating
// it on first use.
func (l *Loader) Load(name string) (*def.Definition, []string, error) {
	l.mu.RLock()
	entry, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return entry.def, entry.warnings, nil
	}

	v, err, _ := l.group.Do(name, func() (any, error) {
		return l.loadFile(name)
	})
	if err != nil {
		return nil, nil, err
	}
	loaded := v.(*cached)
	return loaded.def, loaded.warnings, nil
}

func (l *Loader) loadFile(name string) (*cached, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindValidation, "read workflow file", err).With("path", path)
	}
	parsed, warnings, err := def.Parse(data)
	if err != nil {
		return nil, err
	}
	if parsed.Name != name {
		return nil, wferrors.Newf(wferrors.KindValidation,
			"workflow file %s declares name %q, expected %q", path, parsed.Name, name)
	}
	for _, w := range warnings {
		l.logger.Warn("workflow validation warning", "workflow", name, "warning", w)
	}
	entry := &cached{def: parsed, warnings: warnings, path: path}

	l.mu.Lock()
	l.cache[name] = entry
	l.mu.Unlock()

	l.logger.Info("workflow loaded", "workflow", name, "version", parsed.Version, "path", path)
	return entry, nil
}

// resolve finds the definition file for a name, searching the project
// directory before the user-home directory.
func (l *Loader) resolve(name string) (string, error) {
	filename := name + ".yaml"
	for _, dir := range l.dirs {
		path := filepath.Join(dir, filename)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", wferrors.Newf(wferrors.KindValidation,
		"workflow %q not found in %s", name, strings.Join(l.dirs, ", "))
}

// List enumerates every discoverable workflow. Entries that fail to parse
// are skipped with a warning; discovery never fails the whole listing.
func (l *Loader) List() []Info {
	seen := map[string]bool{}
	var out []Info
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".yaml")
			if seen[name] {
				continue
			}
			seen[name] = true
			d, _, err := l.Load(name)
			if err != nil {
				l.logger.Warn("skipping unloadable workflow", "file", entry.Name(), "error", err)
				continue
			}
			out = append(out, Info{Name: d.Name, Description: d.Description, Version: d.Version})
		}
	}
	return out
}

func (l *Loader) watch() {
	if l.watcher == nil {
		return
	}
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
			l.mu.Lock()
			if _, ok := l.cache[name]; ok {
				delete(l.cache, name)
				l.logger.Info("workflow cache invalidated", "workflow", name, "op", event.Op.String())
			}
			l.mu.Unlock()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("workflow directory watch error", "error", err)
		}
	}
}
