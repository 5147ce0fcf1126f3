package config

import (
	"sort"
	"strconv"
	"strings"
)

// secretFields lists the final key segments whose values are masked, so
// that plugins.N.token is covered for every N.
var secretFields = map[string]bool{
	"token":        true,
	"access_token": true,
}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(key string) bool {
	return secretFields[key[strings.LastIndex(key, ".")+1:]]
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"http": {"listen": ":8080"}} becomes {"http.listen": ":8080"}.
// List elements are keyed by index: plugins.0.name.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		flattenValue(join(prefix, k), v, out)
	}
}

func flattenValue(key string, v any, out map[string]any) {
	switch child := v.(type) {
	case map[string]any:
		flatten(key, child, out)
	case []any:
		if len(child) > 0 && !isScalarList(child) {
			for i, item := range child {
				flattenValue(join(key, strconv.Itoa(i)), item, out)
			}
			return
		}
		out[key] = v
	default:
		out[key] = v
	}
}

// isScalarList reports whether a list holds no maps or lists; such lists
// (methods, allowed_rooms) stay a single value.
func isScalarList(items []any) bool {
	for _, item := range items {
		switch item.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// For example, {"http.listen": ":8080"} becomes {"http": {"listen": ":8080"}}.
// Maps whose keys are exactly 0..n-1 become lists again.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for i, part := range parts {
			if i == len(parts)-1 {
				current[part] = v
			} else {
				next, ok := current[part]
				if !ok {
					next = make(map[string]any)
					current[part] = next
				}
				m, ok := next.(map[string]any)
				if !ok {
					m = make(map[string]any)
					current[part] = m
				}
				current = m
			}
		}
	}
	return listify(out).(map[string]any)
}

// listify turns index-keyed maps back into lists, bottom up. The root is
// always kept a map.
func listify(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = listify(child)
		if list, ok := asList(m[k]); ok {
			m[k] = list
		}
	}
	return m
}

func asList(v any) ([]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || strconv.Itoa(n) != k {
			return nil, false
		}
		keys = append(keys, n)
	}
	sort.Ints(keys)
	for i, n := range keys {
		if i != n {
			return nil, false
		}
	}
	list := make([]any, len(keys))
	for _, n := range keys {
		list[n] = m[strconv.Itoa(n)]
	}
	return list, true
}

// MaskSecrets returns a copy of the flat map with secret values masked.
// Secret keys (any key ending in token or access_token) are shown as
// "***xxxx" where xxxx is the last 4 characters of the value. Empty
// values are left empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if IsSecretKey(k) {
			s, ok := v.(string)
			if ok && s != "" {
				if len(s) <= 4 {
					out[k] = "***" + s
				} else {
					out[k] = "***" + s[len(s)-4:]
				}
			} else {
				out[k] = v
			}
		} else {
			out[k] = v
		}
	}
	return out
}
