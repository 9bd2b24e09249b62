// Package datapath resolves dot-separated path references into and out of
// nested data structures, and expands {{path}} references inside strings.
// It is the substrate for node input/output mapping, branch evaluation and
// parameterized query construction.
package datapath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Get resolves a dot-separated path against a nested container of maps and
// slices. A numeric segment addresses a slice index. The second return value
// is false when any segment is missing, an intermediate is neither a map nor
// a slice, or an index is out of range; callers treat absent as null.
// An empty path returns the container itself.
func Get(container any, path string) (any, bool) {
	if path == "" {
		return container, true
	}

	current := container
	for _, part := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Set writes a value at a dot-separated path, creating intermediate maps as
// needed, and returns the container. Unlike Get, a numeric segment is treated
// as a literal map key: Set never creates or indexes into slices. This
// read/write asymmetry is kept for compatibility with stored node
// configurations that rely on it.
//
// A pre-existing non-map value at an intermediate segment is replaced by a
// map, so the write always lands.
func Set(container map[string]any, path string, value any) map[string]any {
	if container == nil {
		container = make(map[string]any)
	}
	if path == "" {
		return container
	}

	parts := strings.Split(path, ".")
	current := container
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
	return container
}

// Substitute expands every {{path}} occurrence in s with the value resolved
// against data, rendered as its string form. Absent paths render as an empty
// string. Query construction must use SubstituteParams instead; this variant
// interpolates literal values and is only safe for display strings.
func Substitute(s string, data map[string]any) string {
	out, _ := scan(s, data, func(v any, _ bool) string {
		return Render(v)
	})
	return out
}

// SubstituteParams expands every {{path}} occurrence in s with the given
// positional placeholder and returns the resolved values in order. Absent
// paths contribute a nil parameter. This keeps every runtime value out of the
// statement text so query call sites stay strictly parameterized.
func SubstituteParams(s string, data map[string]any, placeholder string) (string, []any) {
	var params []any
	out, _ := scan(s, data, func(v any, _ bool) string {
		params = append(params, v)
		return placeholder
	})
	return out, params
}

// scan walks s for {{path}} tokens, resolves each against data and writes the
// replacement returned by emit. It reports how many tokens were expanded.
func scan(s string, data map[string]any, emit func(v any, ok bool) string) (string, int) {
	var b strings.Builder
	b.Grow(len(s))

	n := 0
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			// Unterminated token: emit the rest verbatim.
			b.WriteString(s[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		v, ok := Get(data, path)
		b.WriteString(emit(v, ok))
		n++
		i = end + 2
	}
	return b.String(), n
}

// Render converts a resolved value to its string form for display contexts.
func Render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return stringify(t)
	}
}

// stringify renders composite values as compact JSON.
func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Number coerces a value to float64 using the engine-wide rule that missing
// or non-numeric values count as zero. Used by filter comparisons and by
// sum/avg aggregation.
func Number(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// NumberStrict coerces a value to float64 and reports whether the value was
// actually numeric. Used by min/max aggregation, which excludes non-numeric
// values instead of counting them as zero.
func NumberStrict(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// DeepCopy recursively copies maps and slices so callers can hand out
// immutable views of shared data. Scalars are returned as-is.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap recursively copies a string-keyed map. Nil input yields nil.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopy(v)
	}
	return out
}
