package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// OpKind identifies a merge operator.
type OpKind string

const (
	// OpUpdate overwrites or inserts a key.
	OpUpdate OpKind = "update"

	// OpMultiply scales an existing numeric value.
	OpMultiply OpKind = "multiply"

	// OpIncrement adds to an existing numeric value.
	OpIncrement OpKind = "increment"
)

// Validate checks if the operator kind is known.
func (k OpKind) Validate() error {
	switch k {
	case OpUpdate, OpMultiply, OpIncrement:
		return nil
	default:
		return fmt.Errorf("invalid merge operation: %q", string(k))
	}
}

// MergeOperation is one step applied by Apply. Kind selects the operator;
// Value is the new value, the factor or the delta respectively.
type MergeOperation struct {
	Kind  OpKind `json:"op" yaml:"op" validate:"required,oneof=update multiply increment"`
	Key   string `json:"key" yaml:"key" validate:"required"`
	Value any    `json:"value" yaml:"value"`
}

// Update returns an operation that sets key to value.
func Update(key string, value any) MergeOperation {
	return MergeOperation{Kind: OpUpdate, Key: key, Value: value}
}

// Multiply returns an operation that multiplies the value at key by factor.
func Multiply(key string, factor float64) MergeOperation {
	return MergeOperation{Kind: OpMultiply, Key: key, Value: factor}
}

// Increment returns an operation that adds delta to the value at key.
// delta must be an integer or floating point number.
func Increment(key string, delta any) MergeOperation {
	return MergeOperation{Kind: OpIncrement, Key: key, Value: delta}
}

func (op MergeOperation) String() string {
	return fmt.Sprintf("%s(%s, %v)", op.Kind, NormalizeKey(op.Key), op.Value)
}

// MarshalJSON keeps the integer/float distinction of Value.
func (op MergeOperation) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	kind, _ := json.Marshal(string(op.Kind))
	key, _ := json.Marshal(op.Key)
	buf.WriteString(`{"op":`)
	buf.Write(kind)
	buf.WriteString(`,"key":`)
	buf.Write(key)
	buf.WriteString(`,"value":`)
	value, err := EncodeJSONValue(op.Value)
	if err != nil {
		return nil, fmt.Errorf("merge operation %s: %w", op.Key, err)
	}
	buf.Write(value)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes {"op","key","value"} keeping integer values as int64.
func (op *MergeOperation) UnmarshalJSON(data []byte) error {
	var aux struct {
		Kind  OpKind          `json:"op"`
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := aux.Kind.Validate(); err != nil {
		return err
	}
	if len(aux.Value) == 0 {
		return fmt.Errorf("merge operation %s: missing value", aux.Key)
	}
	v, err := DecodeJSONValue(aux.Value)
	if err != nil {
		return fmt.Errorf("merge operation %s: %w", aux.Key, err)
	}
	*op = MergeOperation{Kind: aux.Kind, Key: aux.Key, Value: v}
	return nil
}

// UnmarshalYAML decodes the same shape as UnmarshalJSON.
func (op *MergeOperation) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Kind  OpKind    `yaml:"op"`
		Key   string    `yaml:"key"`
		Value yaml.Node `yaml:"value"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if err := aux.Kind.Validate(); err != nil {
		return err
	}
	if aux.Value.Kind == 0 {
		return fmt.Errorf("merge operation %s: missing value", aux.Key)
	}
	v, err := DecodeYAMLValue(&aux.Value)
	if err != nil {
		return fmt.Errorf("merge operation %s: %w", aux.Key, err)
	}
	*op = MergeOperation{Kind: aux.Kind, Key: aux.Key, Value: v}
	return nil
}

// MarshalYAML mirrors MarshalJSON.
func (op MergeOperation) MarshalYAML() (interface{}, error) {
	n, err := normalizeValue(op.Value)
	if err != nil {
		return nil, fmt.Errorf("merge operation %s: %w", op.Key, err)
	}
	value, err := yamlValueNode(n)
	if err != nil {
		return nil, err
	}
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: "op"},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(op.Kind)},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: "key"},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: op.Key},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: "value"},
			value,
		},
	}, nil
}

// Merge error sentinels, usable with errors.Is.
var (
	ErrTypeMismatch = errors.New("type mismatch")
	ErrKeyNotFound  = errors.New("key not found")
)

// MergeErrorKind classifies a failed merge operation.
type MergeErrorKind string

const (
	TypeMismatch MergeErrorKind = "TypeMismatch"
	KeyNotFound  MergeErrorKind = "KeyNotFound"
)

// MergeError reports which operation failed and why.
type MergeError struct {
	Kind   MergeErrorKind
	Op     OpKind
	Key    string
	Index  int
	Reason string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge operation %d (%s %s): %s: %s", e.Index, e.Op, e.Key, e.sentinel(), e.Reason)
}

// Unwrap exposes ErrTypeMismatch or ErrKeyNotFound.
func (e *MergeError) Unwrap() error {
	return e.sentinel()
}

// Code returns the machine readable error code.
func (e *MergeError) Code() string {
	if e.Kind == KeyNotFound {
		return "KEY_NOT_FOUND"
	}
	return "TYPE_MISMATCH"
}

func (e *MergeError) sentinel() error {
	if e.Kind == KeyNotFound {
		return ErrKeyNotFound
	}
	return ErrTypeMismatch
}

// Apply returns a new configuration with ops applied to base in order.
// base is never modified; a nil base is treated as empty. The first failing
// operation aborts the merge and is reported as a *MergeError.
//
// Multiplying an integer keeps the integer type when the product is a whole
// number and promotes it to float64 otherwise. Incrementing an integer by an
// integer, or by a float with no fractional part, keeps the integer type.
// Integer results that would overflow int64 are promoted to float64.
func Apply(base *Configuration, ops []MergeOperation) (*Configuration, error) {
	out := base.Clone()
	for i, op := range ops {
		if err := applyOne(out, op); err != nil {
			err.Index = i
			return nil, err
		}
	}
	return out, nil
}

func applyOne(c *Configuration, op MergeOperation) *MergeError {
	key := NormalizeKey(op.Key)
	fail := func(kind MergeErrorKind, format string, args ...any) *MergeError {
		return &MergeError{Kind: kind, Op: op.Kind, Key: key, Reason: fmt.Sprintf(format, args...)}
	}
	if key == "" {
		return fail(TypeMismatch, "empty key")
	}

	switch op.Kind {
	case OpUpdate:
		v, err := normalizeValue(op.Value)
		if err != nil {
			return fail(TypeMismatch, "%v", err)
		}
		c.put(key, v)
		return nil

	case OpMultiply:
		factor, ok := numericOperand(op.Value)
		if !ok {
			return fail(TypeMismatch, "factor %v is not numeric", op.Value)
		}
		f, _ := toFloat(factor)
		current, exists := c.values[key]
		if !exists {
			return fail(TypeMismatch, "no value to multiply")
		}
		switch v := current.(type) {
		case int64:
			if fi, isInt := factor.(int64); isInt {
				if p, ok := mulInt64(v, fi); ok {
					c.values[key] = p
				} else {
					c.values[key] = float64(v) * float64(fi)
				}
				return nil
			}
			c.values[key] = wholeOrFloat(float64(v) * f)
		case float64:
			c.values[key] = v * f
		default:
			return fail(TypeMismatch, "value of type %s is not numeric", typeName(current))
		}
		return nil

	case OpIncrement:
		delta, ok := numericOperand(op.Value)
		if !ok {
			return fail(TypeMismatch, "delta %v is not numeric", op.Value)
		}
		current, exists := c.values[key]
		if !exists {
			return fail(KeyNotFound, "no value to increment")
		}
		switch v := current.(type) {
		case int64:
			switch d := delta.(type) {
			case int64:
				if sum, ok := addInt64(v, d); ok {
					c.values[key] = sum
				} else {
					c.values[key] = float64(v) + float64(d)
				}
			case float64:
				c.values[key] = wholeOrFloat(float64(v) + d)
			}
		case float64:
			d, _ := toFloat(delta)
			c.values[key] = v + d
		default:
			return fail(TypeMismatch, "value of type %s is not numeric", typeName(current))
		}
		return nil

	default:
		return fail(TypeMismatch, "unknown operation %q", string(op.Kind))
	}
}

func numericOperand(v any) (any, bool) {
	n, err := normalizeValue(v)
	if err != nil {
		return nil, false
	}
	switch n.(type) {
	case int64, float64:
		return n, true
	default:
		return nil, false
	}
}

// wholeOrFloat returns f as int64 when it is a whole number within range.
// addInt64 and mulInt64 report false when the result overflows int64.
func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	return sum, (sum > a) == (b > 0)
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	p := a * b
	return p, p/b == a
}

func wholeOrFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case []any:
		return "list"
	case *Configuration:
		return "configuration"
	default:
		return fmt.Sprintf("%T", v)
	}
}
