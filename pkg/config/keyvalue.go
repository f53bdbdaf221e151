package config

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// EncodeKeyValue renders a configuration as "KEY = value" lines in key
// order. Booleans are written as .TRUE./.FALSE., lists as space separated
// items, strings containing whitespace are double quoted and nested
// configurations are written as inline JSON.
func EncodeKeyValue(c *Configuration) ([]byte, error) {
	var buf bytes.Buffer
	for _, k := range c.Keys() {
		v, _ := c.Get(k)
		s, err := formatKeyValue(v, true)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		fmt.Fprintf(&buf, "%s = %s\n", k, s)
	}
	return buf.Bytes(), nil
}

func formatKeyValue(v any, top bool) (string, error) {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return FormatFloat(t), nil
	case bool:
		if t {
			return ".TRUE.", nil
		}
		return ".FALSE.", nil
	case string:
		if t == "" || strings.ContainsAny(t, " \t\"#!|") {
			return strconv.Quote(t), nil
		}
		return t, nil
	case []any:
		if !top {
			return "", fmt.Errorf("lists nested deeper than two levels are not supported")
		}
		parts := make([]string, len(t))
		for i, item := range t {
			if inner, ok := item.([]any); ok {
				innerParts := make([]string, len(inner))
				for j, x := range inner {
					s, err := formatKeyValue(x, false)
					if err != nil {
						return "", err
					}
					innerParts[j] = s
				}
				parts[i] = strings.Join(innerParts, " ")
				continue
			}
			s, err := formatKeyValue(item, false)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		if len(t) > 0 {
			if _, nested := t[0].([]any); nested {
				return strings.Join(parts, " | "), nil
			}
		}
		return strings.Join(parts, " "), nil
	case *Configuration:
		data, err := t.MarshalJSON()
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// DecodeKeyValue parses "KEY = value" lines. Lines starting with '#' or '!'
// are comments, as is anything after an unquoted '#' or '!'. A value made
// of several tokens becomes a list; "|" separates rows of a nested list.
// A single-element list reads back as a scalar.
func DecodeKeyValue(data []byte) (*Configuration, error) {
	c := NewConfiguration()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		key, raw, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '='", lineNo)
		}
		v, err := parseKeyValue(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := c.Set(key, v); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read key/value data: %w", err)
	}
	return c, nil
}

func parseKeyValue(raw string) (any, error) {
	if strings.HasPrefix(raw, "{") {
		nested := NewConfiguration()
		if err := nested.UnmarshalJSON([]byte(raw)); err != nil {
			return nil, err
		}
		return nested, nil
	}

	tokens, err := tokenize(raw)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return "", nil
	}

	var rows [][]any
	var row []any
	for _, tok := range tokens {
		if tok.separator {
			rows = append(rows, row)
			row = nil
			continue
		}
		row = append(row, tok.value)
	}
	if rows != nil {
		rows = append(rows, row)
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	}
	if len(row) == 1 {
		return row[0], nil
	}
	return row, nil
}

type kvToken struct {
	value     any
	separator bool
}

func tokenize(raw string) ([]kvToken, error) {
	var tokens []kvToken
	i := 0
	for i < len(raw) {
		ch := raw[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '#' || ch == '!':
			return tokens, nil
		case ch == '|':
			tokens = append(tokens, kvToken{separator: true})
			i++
		case ch == '"':
			end := i + 1
			for end < len(raw) {
				if raw[end] == '\\' {
					end += 2
					continue
				}
				if raw[end] == '"' {
					break
				}
				end++
			}
			if end >= len(raw) {
				return nil, fmt.Errorf("unterminated string")
			}
			s, err := strconv.Unquote(raw[i : end+1])
			if err != nil {
				return nil, fmt.Errorf("invalid quoted string: %w", err)
			}
			tokens = append(tokens, kvToken{value: s})
			i = end + 1
		default:
			end := i
			for end < len(raw) && !strings.ContainsRune(" \t#!|", rune(raw[end])) {
				end++
			}
			tokens = append(tokens, kvToken{value: parseScalar(raw[i:end])})
			i = end
		}
	}
	return tokens, nil
}

func parseScalar(s string) any {
	switch strings.ToUpper(s) {
	case ".TRUE.", "TRUE", ".T.":
		return true
	case ".FALSE.", "FALSE", ".F.":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
