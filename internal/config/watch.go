package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of writes to one agent's config files into
// a single reload.
const watchDebounce = 500 * time.Millisecond

// Watch reports config changes per agent slug until ctx is done. It watches
// the agents directory, each agent's config directory, and each channels
// subdirectory; directories created later are picked up from create events.
func Watch(ctx context.Context, root string, onChange func(slug string), opts ...WatchOption) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}

	w := &configWatcher{
		root:     root,
		watcher:  watcher,
		onChange: onChange,
		logger:   slog.New(discardHandler{}),
		timers:   map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(w)
	}

	agentsDir := AgentsDir(root)
	if err := watcher.Add(agentsDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", agentsDir, err)
	}
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("scanning %s: %w", agentsDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addAgentDirs(entry.Name())
		}
	}

	go w.loop(ctx)
	return nil
}

// WatchOption configures Watch.
type WatchOption func(*configWatcher)

// WithWatchLogger routes watcher diagnostics to the given logger.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(w *configWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

type configWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	onChange func(slug string)
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func (w *configWatcher) loop(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *configWatcher) handleEvent(event fsnotify.Event) {
	slug, ok := w.slugFor(event.Name)
	if !ok {
		return
	}
	// New agent dirs and channels subdirs appear after startup; start
	// watching them as they are created.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addAgentDirs(slug)
			return
		}
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	if filepath.Ext(event.Name) != ".toml" {
		return
	}
	w.schedule(slug)
}

// schedule arms (or re-arms) the debounce timer for one slug.
func (w *configWatcher) schedule(slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[slug]; ok {
		timer.Stop()
	}
	w.timers[slug] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, slug)
		w.mu.Unlock()
		w.onChange(slug)
	})
}

func (w *configWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for slug, timer := range w.timers {
		timer.Stop()
		delete(w.timers, slug)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// slugFor maps a path under the agents directory to its agent slug.
func (w *configWatcher) slugFor(path string) (string, bool) {
	rel, err := filepath.Rel(AgentsDir(w.root), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return parts[0], parts[0] != ""
}

// addAgentDirs registers one agent's config directories with the watcher.
// Missing directories are fine; they get picked up on create.
func (w *configWatcher) addAgentDirs(slug string) {
	agentRoot := AgentRoot(w.root, slug)
	for _, dir := range []string{agentRoot, agentConfigDir(agentRoot), filepath.Join(agentConfigDir(agentRoot), "channels")} {
		if err := w.watcher.Add(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("watching agent dir", "agent", slug, "dir", dir, "error", err)
		}
	}
}
