package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const starlarkExt = ".star"

// LoadDir registers every *.star file in dir, replacing templates with the
// same name. It returns the registered names, sorted.
func LoadDir(dir string, registry *Registry, timeout time.Duration) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != starlarkExt {
			continue
		}
		t, err := LoadStarlarkFile(filepath.Join(dir, entry.Name()), timeout)
		if err != nil {
			return nil, err
		}
		if err := registry.Replace(t); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", entry.Name(), err)
		}
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Watcher reloads Starlark templates when their files change.
type Watcher struct {
	dir      string
	registry *Registry
	timeout  time.Duration
	delay    time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	byPath  map[string]string
	watcher *fsnotify.Watcher
	onLoad  func(name string, err error)
}

// NewWatcher creates a watcher for dir. Call Start to begin watching.
func NewWatcher(dir string, registry *Registry, timeout time.Duration, logger zerolog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		registry: registry,
		timeout:  timeout,
		delay:    500 * time.Millisecond,
		logger:   logger.With().Str("component", "template-watcher").Logger(),
		byPath:   make(map[string]string),
	}
}

// OnLoad sets a callback invoked after every reload attempt.
func (w *Watcher) OnLoad(fn func(name string, err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLoad = fn
}

// Start performs an initial load of the directory and watches it until ctx
// is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read template directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == starlarkExt {
			w.reload(filepath.Join(w.dir, entry.Name()))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher)

	w.logger.Info().Str("dir", w.dir).Msg("Started watching template directory")
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, starlarkExt) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Template file changed")

			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.remove(event.Name)
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			path := event.Name
			if t, exists := timers[path]; exists {
				t.Stop()
			}
			timers[path] = time.AfterFunc(w.delay, func() { w.reload(path) })

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Template watcher error")
		}
	}
}

func (w *Watcher) reload(path string) {
	t, err := LoadStarlarkFile(path, w.timeout)
	name := ""
	if err == nil {
		name = t.Name()
		err = w.registry.Replace(t)
	}

	w.mu.Lock()
	if err == nil {
		if previous, ok := w.byPath[path]; ok && previous != name {
			w.registry.Unregister(previous)
		}
		w.byPath[path] = name
	}
	onLoad := w.onLoad
	w.mu.Unlock()

	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("Failed to reload template")
	} else {
		w.logger.Info().Str("file", path).Str("template", name).Msg("Template reloaded")
	}
	if onLoad != nil {
		onLoad(name, err)
	}
}

func (w *Watcher) remove(path string) {
	w.mu.Lock()
	name, ok := w.byPath[path]
	delete(w.byPath, path)
	w.mu.Unlock()

	if ok {
		w.registry.Unregister(name)
		w.logger.Info().Str("file", path).Str("template", name).Msg("Template removed")
	}
}
