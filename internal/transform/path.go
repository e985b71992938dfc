package transform

import (
	"fmt"
	"strconv"
	"strings"
)

type pathStep struct {
	key   string
	index int
	isIdx bool
}

// parsePath splits a source path such as "shipping.lines[0].price" into steps.
func parsePath(path string) ([]pathStep, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	var steps []pathStep
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil, fmt.Errorf("path %q has an empty segment", path)
		}
		name, rest, found := strings.Cut(segment, "[")
		if name != "" {
			steps = append(steps, pathStep{key: name})
		}
		if !found {
			continue
		}
		rest = "[" + rest
		for rest != "" {
			if rest[0] != '[' {
				return nil, fmt.Errorf("path %q: unexpected %q", path, rest)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unclosed bracket", path)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("path %q: invalid index %q", path, rest[1:end])
			}
			steps = append(steps, pathStep{index: idx, isIdx: true})
			rest = rest[end+1:]
		}
	}
	return steps, nil
}

// resolve walks src along steps. The boolean is false when any step is
// missing, out of range, or lands on JSON null.
func resolve(src any, steps []pathStep) (any, bool) {
	cur := src
	for _, step := range steps {
		switch node := cur.(type) {
		case map[string]any:
			if step.isIdx {
				return nil, false
			}
			v, ok := node[step.key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if !step.isIdx {
				idx, err := strconv.Atoi(step.key)
				if err != nil {
					return nil, false
				}
				step.index = idx
			}
			if step.index < 0 || step.index >= len(node) {
				return nil, false
			}
			cur = node[step.index]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// assign writes v at a dotted target path, creating intermediate objects.
func assign(dst map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := dst
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
