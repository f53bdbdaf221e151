package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Directive names accepted by ParseModifyDoc.
const (
	DirectiveUpdate   = "key_update"
	DirectiveMultiply = "key_multiply"
	DirectiveDictMod  = "key_dictmod"

	dictModSet = "_set"
	dictModInc = "_inc"
)

// ParseModifyDoc converts a modification document of the form
//
//	key_update:   {ISMEAR: 1000}
//	key_multiply: {ENCUT: 1.5}
//	key_dictmod:  {_inc: {ISPIN: -1}, _set: {...}}
//
// into an ordered list of operations. Updates come first, then multiplies,
// then dictmod sets and increments. Keys within one group are sorted.
func ParseModifyDoc(doc map[string]any) ([]MergeOperation, error) {
	for directive := range doc {
		switch directive {
		case DirectiveUpdate, DirectiveMultiply, DirectiveDictMod:
		default:
			return nil, fmt.Errorf("unknown modification directive %q", directive)
		}
	}

	var ops []MergeOperation

	updates, err := directiveMap(doc, DirectiveUpdate)
	if err != nil {
		return nil, err
	}
	for _, k := range sortedKeys(updates) {
		ops = append(ops, Update(k, updates[k]))
	}

	multiplies, err := directiveMap(doc, DirectiveMultiply)
	if err != nil {
		return nil, err
	}
	for _, k := range sortedKeys(multiplies) {
		f, ok := numericOperand(multiplies[k])
		if !ok {
			return nil, fmt.Errorf("%s.%s: factor %v is not numeric", DirectiveMultiply, k, multiplies[k])
		}
		factor, _ := toFloat(f)
		ops = append(ops, Multiply(k, factor))
	}

	dictmod, err := directiveMap(doc, DirectiveDictMod)
	if err != nil {
		return nil, err
	}
	for modifier := range dictmod {
		if modifier != dictModSet && modifier != dictModInc {
			return nil, fmt.Errorf("%s: unsupported modifier %q", DirectiveDictMod, modifier)
		}
	}
	sets, err := directiveMap(dictmod, dictModSet)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", DirectiveDictMod, err)
	}
	for _, k := range sortedKeys(sets) {
		ops = append(ops, Update(k, sets[k]))
	}
	incs, err := directiveMap(dictmod, dictModInc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", DirectiveDictMod, err)
	}
	for _, k := range sortedKeys(incs) {
		ops = append(ops, Increment(k, incs[k]))
	}

	return ops, nil
}

// DecodeModifyDoc parses a YAML or JSON modification document.
func DecodeModifyDoc(data []byte) ([]MergeOperation, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse modification document: %w", err)
	}
	return ParseModifyDoc(doc)
}

func directiveMap(doc map[string]any, name string) (map[string]any, error) {
	raw, ok := doc[name]
	if !ok || raw == nil {
		return nil, nil
	}
	switch m := raw.(type) {
	case map[string]any:
		return m, nil
	case *Configuration:
		return m.ToMap(), nil
	default:
		return nil, fmt.Errorf("%s must be a mapping, got %T", name, raw)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToUpper(keys[i]) < strings.ToUpper(keys[j])
	})
	return keys
}
