package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarshalJSON writes keys in insertion order. Floating point values always
// carry a decimal point or exponent so that the integer/float distinction
// survives a round trip.
func (c *Configuration) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSONObject(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object preserving key order and number types.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("failed to decode configuration: expected object, got %v", tok)
	}
	decoded, err := decodeJSONObject(dec)
	if err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	*c = *decoded
	return nil
}

// MarshalYAML produces a mapping node in insertion order.
func (c *Configuration) MarshalYAML() (interface{}, error) {
	return c.yamlNode()
}

// UnmarshalYAML decodes a mapping node preserving key order and tags.
func (c *Configuration) UnmarshalYAML(node *yaml.Node) error {
	decoded, err := decodeYAMLMapping(node)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

func writeJSONObject(buf *bytes.Buffer, c *Configuration) error {
	buf.WriteByte('{')
	for i, k := range c.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		buf.Write(key)
		buf.WriteByte(':')
		if err := writeJSONValue(buf, c.values[k]); err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("unsupported float value %v", t)
		}
		buf.WriteString(FormatFloat(t))
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		s, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(s)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Configuration:
		return writeJSONObject(buf, t)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// FormatFloat renders f so that it always reads back as a float.
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func decodeJSONObject(dec *json.Decoder) (*Configuration, error) {
	c := NewConfiguration()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		v, err := decodeJSONValue(dec)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		if err := c.Set(key, v); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeJSONValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeJSONObject(dec)
		case '[':
			list := make([]any, 0)
			for dec.More() {
				item, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	case json.Number:
		return numberValue(t)
	case string, bool:
		return t, nil
	case nil:
		return nil, fmt.Errorf("null values are not supported")
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

func numberValue(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", n.String(), err)
	}
	return f, nil
}

// DecodeJSONValue decodes a single JSON value using the same typing rules
// as configuration decoding.
func DecodeJSONValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return decodeJSONValue(dec)
}

// EncodeJSONValue encodes a normalized value using configuration rules.
func EncodeJSONValue(v any) ([]byte, error) {
	n, err := normalizeValue(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeJSONValue(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Configuration) yamlNode() (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range c.Keys() {
		valueNode, err := yamlValueNode(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			valueNode,
		)
	}
	return node, nil
}

func yamlValueNode(v any) (*yaml.Node, error) {
	switch t := v.(type) {
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(t, 10)}, nil
	case float64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: FormatFloat(t)}, nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(t)}, nil
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t}, nil
	case []any:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			n, err := yamlValueNode(item)
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, n)
		}
		return seq, nil
	case *Configuration:
		return t.yamlNode()
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func decodeYAMLMapping(node *yaml.Node) (*Configuration, error) {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected mapping, got %s", node.Line, node.ShortTag())
	}
	c := NewConfiguration()
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		v, err := DecodeYAMLValue(node.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		if err := c.Set(key, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DecodeYAMLValue converts a YAML node into a normalized configuration value.
func DecodeYAMLValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return DecodeYAMLValue(node.Alias)
	case yaml.MappingNode:
		return decodeYAMLMapping(node)
	case yaml.SequenceNode:
		list := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := DecodeYAMLValue(item)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!int":
			var i int64
			if err := node.Decode(&i); err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
			return i, nil
		case "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
			return f, nil
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
			return b, nil
		case "!!null":
			return nil, fmt.Errorf("line %d: null values are not supported", node.Line)
		default:
			return node.Value, nil
		}
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", node.Line)
	}
}
