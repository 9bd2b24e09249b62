package handlers

import "encoding/json"

// Config value helpers shared by all handler files. Node configs arrive as
// map[string]any decoded from JSON, so numbers are float64 unless a handler
// opted into json.Number.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	// Accept either an inline object or a JSON string, matching configs
	// produced by the graph editor.
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		if t == "" {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

func listParam(m map[string]any, key string) []any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		return t
	case string:
		if t == "" {
			return nil
		}
		var out []any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}
