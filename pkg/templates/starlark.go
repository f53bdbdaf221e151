package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/structure"
)

// StarlarkTemplate is a template defined by a Starlark script.
//
// The script must define a function
//
//	def produce(structure, params):
//	    return {"INCAR": {...}, "KPOINTS": {...}}
//
// and may define the globals name, primary_block and static_settings.
// structure is a dict with formula, elements, species, lattice,
// frac_coords, nsites and volume.
type StarlarkTemplate struct {
	name         string
	path         string
	primaryBlock string
	static       *config.Configuration
	produce      *starlark.Function
	timeout      time.Duration
}

// NewStarlarkTemplate compiles a script. defaultName is used when the
// script does not set name.
func NewStarlarkTemplate(defaultName, filename, script string, timeout time.Duration) (*StarlarkTemplate, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	thread := &starlark.Thread{
		Name:  "template-load",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load template script %s: %w", filename, err)
	}

	t := &StarlarkTemplate{
		name:         defaultName,
		path:         filename,
		primaryBlock: BlockINCAR,
		static:       config.NewConfiguration(),
		timeout:      timeout,
	}

	fn, ok := globals["produce"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("template script %s does not define produce(structure, params)", filename)
	}
	if fn.NumParams() != 2 {
		return nil, fmt.Errorf("template script %s: produce must take 2 parameters, takes %d", filename, fn.NumParams())
	}
	t.produce = fn

	if v, ok := globals["name"]; ok {
		s, ok := starlark.AsString(v)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("template script %s: name must be a non-empty string", filename)
		}
		t.name = s
	}
	if v, ok := globals["primary_block"]; ok {
		s, ok := starlark.AsString(v)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("template script %s: primary_block must be a non-empty string", filename)
		}
		t.primaryBlock = config.NormalizeKey(s)
	}
	if v, ok := globals["static_settings"]; ok {
		goVal, err := fromStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("template script %s: static_settings: %w", filename, err)
		}
		static, ok := goVal.(*config.Configuration)
		if !ok {
			return nil, fmt.Errorf("template script %s: static_settings must be a dict", filename)
		}
		t.static = static
	}

	return t, nil
}

// LoadStarlarkFile reads and compiles a template script. The template name
// defaults to the file name without extension.
func LoadStarlarkFile(path string, timeout time.Duration) (*StarlarkTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewStarlarkTemplate(name, path, string(data), timeout)
}

func (t *StarlarkTemplate) Name() string         { return t.name }
func (t *StarlarkTemplate) PrimaryBlock() string { return t.primaryBlock }

// Path returns the file the template was loaded from.
func (t *StarlarkTemplate) Path() string { return t.path }

func (t *StarlarkTemplate) StaticSettings() *config.Configuration {
	return t.static.Clone()
}

// Produce calls the script's produce function. Execution is cancelled when
// ctx is done or the template timeout expires.
func (t *StarlarkTemplate) Produce(ctx context.Context, s *structure.Structure, params map[string]any) (map[string]*config.Configuration, error) {
	if s == nil {
		return nil, fmt.Errorf("template %s: structure is required", t.name)
	}

	evalCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	structVal, err := toStarlarkValue(structureDict(s))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.name, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	paramsVal, err := toStarlarkValue(params)
	if err != nil {
		return nil, fmt.Errorf("template %s: params: %w", t.name, err)
	}

	thread := &starlark.Thread{
		Name:  "template-" + t.name,
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type outcome struct {
		val starlark.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := starlark.Call(thread, t.produce, starlark.Tuple{structVal, paramsVal}, nil)
		done <- outcome{val: v, err: err}
	}()

	var result outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel("template execution cancelled")
		return nil, fmt.Errorf("template %s: execution timeout after %v", t.name, t.timeout)
	case result = <-done:
	}
	if result.err != nil {
		return nil, fmt.Errorf("template %s: %w", t.name, result.err)
	}

	dict, ok := result.val.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("template %s: produce must return a dict of blocks, got %s", t.name, result.val.Type())
	}
	blocks := make(map[string]*config.Configuration, dict.Len())
	for _, item := range dict.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("template %s: block names must be strings", t.name)
		}
		goVal, err := fromStarlarkValue(item[1])
		if err != nil {
			return nil, fmt.Errorf("template %s: block %s: %w", t.name, name, err)
		}
		block, ok := goVal.(*config.Configuration)
		if !ok {
			return nil, fmt.Errorf("template %s: block %s must be a dict", t.name, name)
		}
		blocks[config.NormalizeKey(name)] = block
	}
	if _, ok := blocks[t.primaryBlock]; !ok {
		return nil, fmt.Errorf("template %s: produce did not return primary block %s", t.name, t.primaryBlock)
	}
	return blocks, nil
}

func structureDict(s *structure.Structure) map[string]any {
	lattice := make([]any, 3)
	for i, row := range s.Lattice {
		lattice[i] = []any{row[0], row[1], row[2]}
	}
	coords := make([]any, len(s.FracCoords))
	for i, fc := range s.FracCoords {
		coords[i] = []any{fc[0], fc[1], fc[2]}
	}
	elements := make([]any, 0)
	for _, el := range s.Elements() {
		elements = append(elements, el)
	}
	species := make([]any, len(s.Species))
	for i, sp := range s.Species {
		species[i] = sp
	}
	return map[string]any{
		"formula":           s.Formula(),
		"formula_anonymous": s.AnonymousFormula(),
		"elements":          elements,
		"species":           species,
		"lattice":           lattice,
		"frac_coords":       coords,
		"nsites":            int64(s.NSites()),
		"volume":            s.Volume(),
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case *config.Configuration:
		dict := starlark.NewDict(val.Len())
		for _, k := range val.Keys() {
			item, _ := val.Get(k)
			starlarkVal, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]any:
		return plainDict(val)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// plainDict converts a map with keys sorted, since Go maps are unordered.
func plainDict(m map[string]any) (starlark.Value, error) {
	dict := starlark.NewDict(len(m))
	for _, k := range sortedMapKeys(m) {
		starlarkVal, err := toStarlarkValue(m[k])
		if err != nil {
			return nil, err
		}
		if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// fromStarlarkValue converts a Starlark value to a configuration value.
// Dicts become *config.Configuration in insertion order.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, x := range val {
			item, err := fromStarlarkValue(x)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		c := config.NewConfiguration()
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			if err := c.Set(string(key), value); err != nil {
				return nil, err
			}
		}
		return c, nil
	case *starlarkstruct.Struct:
		c := config.NewConfiguration()
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			if err := c.Set(name, value); err != nil {
				return nil, err
			}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
