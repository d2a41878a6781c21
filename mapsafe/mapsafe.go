package mapsafe

// Get retrieves a typed value from a map[string]any.
// If the key is missing or the type cannot be converted, it returns the default value.
func Get[T any](m map[string]any, key string, defaultValue T) T {
	if val, ok := m[key]; ok {
		switch any(defaultValue).(type) {
		case int:
			switch x := val.(type) {
			case int:
				return any(x).(T)
			case float64:
				return any(int(x)).(T)
			}
		case float64:
			switch x := val.(type) {
			case float64:
				return any(x).(T)
			case int:
				return any(float64(x)).(T)
			}
		case string:
			if s, ok := val.(string); ok {
				return any(s).(T)
			}
		case bool:
			if b, ok := val.(bool); ok {
				return any(b).(T)
			}
		default:
			// fallback: if type matches exactly
			if v2, ok := val.(T); ok {
				return v2
			}
		}
	}
	return defaultValue
}

// Floats retrieves a numeric list. ok is false if the key is missing or any
// element is not a number.
func Floats(m map[string]any, key string) ([]float64, bool) {
	switch list := m[key].(type) {
	case []float64:
		return append([]float64(nil), list...), true
	case []int:
		out := make([]float64, len(list))
		for i, v := range list {
			out[i] = float64(v)
		}
		return out, true
	case []int64:
		out := make([]float64, len(list))
		for i, v := range list {
			out[i] = float64(v)
		}
		return out, true
	case []any:
		out := make([]float64, len(list))
		for i, v := range list {
			switch x := v.(type) {
			case int:
				out[i] = float64(x)
			case int64:
				out[i] = float64(x)
			case float64:
				out[i] = x
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

// Ints retrieves an integer list. Float elements are truncated.
func Ints(m map[string]any, key string) ([]int, bool) {
	fs, ok := Floats(m, key)
	if !ok {
		return nil, false
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out, true
}

// Strings retrieves a string list. A single string is returned as a list of
// one.
func Strings(m map[string]any, key string) ([]string, bool) {
	switch x := m[key].(type) {
	case string:
		return []string{x}, true
	case []string:
		return x, true
	case []any:
		out := make([]string, len(x))
		for i, v := range x {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
