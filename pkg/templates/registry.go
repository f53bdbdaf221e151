package templates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/structure"
)

// Names of the input blocks produced by the built-in templates.
const (
	BlockINCAR   = "INCAR"
	BlockPOSCAR  = "POSCAR"
	BlockKPOINTS = "KPOINTS"
	BlockPOTCAR  = "POTCAR"
)

// ErrUnknownTemplate is returned by Lookup for names that were never registered.
var ErrUnknownTemplate = errors.New("unknown template")

// Template produces the default input blocks of a job for a structure.
type Template interface {
	// Name is the registry key.
	Name() string

	// PrimaryBlock is the block that StaticSettings apply to, usually INCAR.
	PrimaryBlock() string

	// StaticSettings are merged into a parent's own primary block when a job
	// is derived from a previous one with its configuration preserved.
	StaticSettings() *config.Configuration

	// Produce returns freshly generated blocks. params carries user
	// overrides such as user_incar_settings and reciprocal_density.
	Produce(ctx context.Context, s *structure.Structure, params map[string]any) (map[string]*config.Configuration, error)
}

// Registry maps template names to templates. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// NewDefaultRegistry returns a registry holding the built-in templates.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range Builtins() {
		if err := r.Register(t); err != nil {
			panic(fmt.Sprintf("built-in template %s: %v", t.Name(), err))
		}
	}
	return r
}

// Register adds a template. It fails for empty or already registered names.
func (r *Registry) Register(t Template) error {
	if err := validateTemplate(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[t.Name()]; exists {
		return fmt.Errorf("template %q already registered", t.Name())
	}
	r.templates[t.Name()] = t
	return nil
}

// Replace adds a template, overwriting any template with the same name.
func (r *Registry) Replace(t Template) error {
	if err := validateTemplate(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates[t.Name()] = t
	return nil
}

// Unregister removes a template. It reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.templates[name]
	delete(r.templates, name)
	return ok
}

// Lookup returns the template registered under name.
func (r *Registry) Lookup(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return t, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateTemplate(t Template) error {
	if t == nil {
		return fmt.Errorf("template is nil")
	}
	if strings.TrimSpace(t.Name()) == "" {
		return fmt.Errorf("template name must not be empty")
	}
	if strings.TrimSpace(t.PrimaryBlock()) == "" {
		return fmt.Errorf("template %q has no primary block", t.Name())
	}
	return nil
}
