package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Configuration is an ordered mapping from normalized keys to typed values.
//
// Keys are upper-cased and trimmed on every way in (Set, FromMap, JSON and
// YAML decoding). Values are one of int64, float64, bool, string, []any or a
// nested *Configuration. Integer and floating point values are kept distinct:
// 780 and 780.0 are different values.
//
// The zero value is not usable; call NewConfiguration.
type Configuration struct {
	keys   []string
	values map[string]any
}

// NewConfiguration returns an empty configuration.
func NewConfiguration() *Configuration {
	return &Configuration{
		values: make(map[string]any),
	}
}

// FromMap builds a configuration from a plain map. Keys are inserted in
// sorted order since Go maps carry no order of their own.
func FromMap(m map[string]any) (*Configuration, error) {
	c := NewConfiguration()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.Set(k, m[k]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustFromMap is like FromMap but panics on unsupported values.
func MustFromMap(m map[string]any) *Configuration {
	c, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return c
}

// NormalizeKey returns the canonical form of a configuration key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Set inserts or overwrites a value. An existing key keeps its position.
func (c *Configuration) Set(key string, value any) error {
	k := NormalizeKey(key)
	if k == "" {
		return fmt.Errorf("configuration key must not be empty")
	}
	v, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("key %s: %w", k, err)
	}
	c.put(k, v)
	return nil
}

// MustSet is like Set but panics on error. It returns the receiver so that
// literals can be chained.
func (c *Configuration) MustSet(key string, value any) *Configuration {
	if err := c.Set(key, value); err != nil {
		panic(err)
	}
	return c
}

func (c *Configuration) put(k string, v any) {
	if _, exists := c.values[k]; !exists {
		c.keys = append(c.keys, k)
	}
	c.values[k] = v
}

// Get returns the value stored under key.
func (c *Configuration) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[NormalizeKey(key)]
	return v, ok
}

// GetInt returns an integer value. Floating point values are not converted.
func (c *Configuration) GetInt(key string) (int64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// GetFloat returns a numeric value as float64, accepting integers as well.
func (c *Configuration) GetFloat(key string) (float64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// GetString returns a string value.
func (c *Configuration) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool returns a boolean value.
func (c *Configuration) GetBool(key string) (bool, bool) {
	v, ok := c.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetConfiguration returns a nested configuration.
func (c *Configuration) GetConfiguration(key string) (*Configuration, bool) {
	v, ok := c.Get(key)
	if !ok {
		return nil, false
	}
	n, ok := v.(*Configuration)
	return n, ok
}

// Has reports whether key is present.
func (c *Configuration) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key. It reports whether the key was present.
func (c *Configuration) Delete(key string) bool {
	k := NormalizeKey(key)
	if _, ok := c.values[k]; !ok {
		return false
	}
	delete(c.values, k)
	for i, existing := range c.keys {
		if existing == k {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the keys in insertion order.
func (c *Configuration) Keys() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of keys.
func (c *Configuration) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Clone returns a deep copy. Cloning a nil configuration yields an empty one.
func (c *Configuration) Clone() *Configuration {
	out := NewConfiguration()
	if c == nil {
		return out
	}
	out.keys = make([]string, len(c.keys))
	copy(out.keys, c.keys)
	for k, v := range c.values {
		out.values[k] = cloneValue(v)
	}
	return out
}

// Overlay returns a copy of c with every key of other written on top.
func (c *Configuration) Overlay(other *Configuration) *Configuration {
	out := c.Clone()
	if other == nil {
		return out
	}
	for _, k := range other.keys {
		out.put(k, cloneValue(other.values[k]))
	}
	return out
}

// Equal reports whether both configurations hold the same keys with values
// of the same type and value. Key order is not significant.
func (c *Configuration) Equal(other *Configuration) bool {
	if c.Len() != other.Len() {
		return false
	}
	if c == nil || other == nil {
		return true
	}
	for k, v := range c.values {
		ov, ok := other.values[k]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// ToMap converts the configuration into plain Go values. Nested
// configurations become map[string]any.
func (c *Configuration) ToMap() map[string]any {
	if c == nil {
		return nil
	}
	out := make(map[string]any, len(c.keys))
	for k, v := range c.values {
		out[k] = plainValue(v)
	}
	return out
}

// String renders the configuration as compact JSON.
func (c *Configuration) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid configuration: %v>", err)
	}
	return string(data)
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case int64, float64, bool, string:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return normalizeUnsigned(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUnsigned(v)
	case float32:
		return float64(v), nil
	case *Configuration:
		if v == nil {
			return nil, fmt.Errorf("nil nested configuration")
		}
		return v.Clone(), nil
	case map[string]any:
		return FromMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case []int:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = int64(item)
		}
		return out, nil
	case []int64:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case []float64:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case []bool:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("null values are not supported")
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

func normalizeUnsigned(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", v)
	}
	return int64(v), nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Configuration:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func plainValue(v any) any {
	switch t := v.(type) {
	case *Configuration:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plainValue(item)
		}
		return out
	default:
		return v
	}
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Configuration:
		bv, ok := b.(*Configuration)
		return ok && av.Equal(bv)
	default:
		return false
	}
}

// toFloat converts a normalized numeric value.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// IsNumeric reports whether v is an integer or floating point value after
// normalization.
func IsNumeric(v any) bool {
	n, err := normalizeValue(v)
	if err != nil {
		return false
	}
	_, ok := toFloat(n)
	return ok
}
