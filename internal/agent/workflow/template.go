package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// templatePattern matches {{.dotted.name}} placeholders.
var templatePattern = regexp.MustCompile(`\{\{\s*\.([A-Za-z0-9_][A-Za-z0-9_.-]*)\s*\}\}`)

// Substitute recursively replaces template placeholders in a step config
// against the accumulated execution context. Strings are interpolated;
// when a string consists of exactly one placeholder, the context value is
// passed through with its type preserved. Missing keys render as empty
// strings. Maps and slices are descended into; all other values pass
// through unchanged.
func Substitute(value interface{}, context map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return substituteString(v, context)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = Substitute(inner, context)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = Substitute(inner, context)
		}
		return out
	default:
		return value
	}
}

// SubstituteConfig applies Substitute to every entry of a config map.
func SubstituteConfig(config, context map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = Substitute(v, context)
	}
	return out
}

// SubstituteString interpolates placeholders within a plain string,
// always producing a string.
func SubstituteString(s string, context map[string]interface{}) string {
	result := substituteString(s, context)
	if str, ok := result.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", result)
}

func substituteString(s string, context map[string]interface{}) interface{} {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one placeholder keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		key := s[matches[0][2]:matches[0][3]]
		val, ok := lookup(context, key)
		if !ok {
			return ""
		}
		return val
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		key := s[m[2]:m[3]]
		if val, ok := lookup(context, key); ok {
			b.WriteString(stringify(val))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// lookup resolves a dotted key path through nested maps.
func lookup(context map[string]interface{}, key string) (interface{}, bool) {
	parts := strings.Split(key, ".")
	var current interface{} = context
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integral values plainly.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
