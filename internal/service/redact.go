package service

import (
	"sort"
	"strconv"
)

// redactValue deep-copies v, applying every pattern to each string leaf.
// Maps and slices are cloned, scalars pass through, and the returned paths
// are the dotted locations whose value changed. The input is never mutated.
func redactValue(v any, patterns []compiledPattern, path string) (any, []string) {
	switch t := v.(type) {
	case string:
		out := t
		for _, p := range patterns {
			out = p.re.ReplaceAllString(out, p.replacement)
		}
		if out != t {
			return out, []string{path}
		}
		return t, nil

	case map[string]any:
		clone := make(map[string]any, len(t))
		var changed []string
		for k, val := range t {
			nv, fields := redactValue(val, patterns, joinPath(path, k))
			clone[k] = nv
			changed = append(changed, fields...)
		}
		sort.Strings(changed)
		return clone, changed

	case []any:
		clone := make([]any, len(t))
		var changed []string
		for i, val := range t {
			nv, fields := redactValue(val, patterns, joinPath(path, strconv.Itoa(i)))
			clone[i] = nv
			changed = append(changed, fields...)
		}
		return clone, changed

	default:
		// Numbers, bools, nil: nothing to redact.
		return v, nil
	}
}

func joinPath(base, elem string) string {
	if base == "" {
		return elem
	}
	return base + "." + elem
}
