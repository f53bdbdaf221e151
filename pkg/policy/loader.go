package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// bundleSuffix marks JSON files holding a Bundle rather than one Policy.
const bundleSuffix = ".bundle.json"

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// fileKind is the format of a policy file, derived from its name.
type fileKind int

const (
	kindUnknown fileKind = iota
	kindRego
	kindJSON
	kindYAML
	kindBundle
)

func kindOf(path string) fileKind {
	switch {
	case strings.HasSuffix(path, bundleSuffix):
		return kindBundle
	case strings.HasSuffix(path, ".rego"):
		return kindRego
	case strings.HasSuffix(path, ".json"):
		return kindJSON
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return kindYAML
	default:
		return kindUnknown
	}
}

// cachedPolicy is a parsed file together with the modification time it
// was read at.
type cachedPolicy struct {
	policy  *Policy
	modTime time.Time
}

// Loader reads policies from .rego files, JSON or YAML policy definitions
// and JSON bundles. Parsed files are cached until they change on disk.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy below paths. A path may be a policy
// file, a bundle or a directory. Any unreadable path fails the whole load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		out = append(out, policies...)
	}

	l.logger.Info().
		Int("total", len(out)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return out, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	return l.loadAny(ctx, path)
}

// loadAny loads a single file of any supported kind.
func (l *Loader) loadAny(ctx context.Context, path string) ([]Policy, error) {
	if kindOf(path) == kindBundle {
		bundle, err := l.LoadBundle(ctx, path)
		if err != nil {
			return nil, err
		}
		return bundle.Policies, nil
	}
	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

// loadFromDirectory walks dirPath in lexical order. Files of unknown kind
// are ignored; broken policy files are logged and skipped so one bad file
// does not disable the rest of the directory.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var out []Policy
	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || kindOf(path) == kindUnknown {
			return nil
		}
		policies, err := l.loadAny(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		out = append(out, policies...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return out, nil
}

// loadFromFile parses one policy file, reusing the cached result while the
// file's modification time is unchanged.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch kindOf(path) {
	case kindRego:
		p = l.parseRegoFile(path, data)
	case kindJSON:
		p, err = parseDefinition(data, json.Unmarshal)
	case kindYAML:
		p, err = parseDefinition(data, yaml.Unmarshal)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: p, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// parseRegoFile names the policy after its file and takes the description
// from the leading comment block.
func (l *Loader) parseRegoFile(path string, data []byte) *Policy {
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: l.extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// parseDefinition decodes a JSON or YAML policy definition.
func parseDefinition(data []byte, unmarshal func([]byte, any) error) (*Policy, error) {
	var p Policy
	if err := unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy definition: %w", err)
	}
	if p.Name == "" {
		return nil, errors.New("policy definition has no name")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego", p.Name)
	}
	fillDefaults(&p)
	return &p, nil
}

func fillDefaults(p *Policy) {
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
}

// extractDescription joins the comment lines before the first statement.
func (l *Loader) extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && len(parts) > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment != "" && !strings.HasPrefix(comment, "package") {
			parts = append(parts, comment)
		}
	}
	return strings.Join(parts, " ")
}

// LoadBundle loads a policy bundle. Policies without a severity get error
// severity.
func (l *Loader) LoadBundle(_ context.Context, bundlePath string) (*Bundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	for i := range bundle.Policies {
		fillDefaults(&bundle.Policies[i])
		bundle.Policies[i].Source = bundlePath
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")
	return &bundle, nil
}

// Watch reloads paths whenever a policy file below them is written,
// created, removed or renamed, and hands the result to reloadFn. It returns
// once watching started; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			// Editors replace files, so watch the parent directory.
			dirs[filepath.Dir(path)] = struct{}{}
			continue
		}
		_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				dirs[p] = struct{}{}
			}
			return nil
		})
	}

	watched := make([]string, 0, len(dirs))
	for dir := range dirs {
		watched = append(watched, dir)
	}
	sort.Strings(watched)
	for _, dir := range watched {
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Int("dirs", len(watched)).Msg("Started watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if kindOf(event.Name) == kindUnknown || event.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()
			timer.Reset(reloadDelay)

		case <-timer.C:
			if err := l.reload(ctx, paths, reloadFn); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload loads paths again. A failed load keeps the previous policies.
func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// ClearCache drops every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicy)
}
