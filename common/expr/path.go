package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Path locates a value inside a nested config structure: each step is
// either a map key (string) or a slice index (int).
type Path []any

// String renders the path in dotted form for warnings
func (p Path) String() string {
	var b strings.Builder
	for i, step := range p {
		switch s := step.(type) {
		case string:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(s)
		case int:
			b.WriteString("[" + strconv.Itoa(s) + "]")
		}
	}
	return b.String()
}

// FindPaths walks a config structure and returns the paths of every
// string value containing a template marker. The compiler runs this
// once per node so the engine only touches templated fields at
// execution time.
func FindPaths(config map[string]any) []Path {
	var paths []Path
	findPaths(config, nil, &paths)
	return paths
}

func findPaths(value any, prefix Path, out *[]Path) {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, "{{") {
			p := make(Path, len(prefix))
			copy(p, prefix)
			*out = append(*out, p)
		}
	case map[string]any:
		for _, key := range sortedKeys(v) {
			findPaths(v[key], append(prefix, key), out)
		}
	case []any:
		for i, item := range v {
			findPaths(item, append(prefix, i), out)
		}
	}
}

// sortedKeys gives deterministic traversal order
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// getAt reads the value at a path, reporting whether every step resolved
func getAt(root any, path Path) (any, bool) {
	cur := root
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[s]
			if !ok {
				return nil, false
			}
		case int:
			list, ok := cur.([]any)
			if !ok || s < 0 || s >= len(list) {
				return nil, false
			}
			cur = list[s]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setAt writes a value at a path inside a (deep-copied) structure
func setAt(root any, path Path, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}
	parent, ok := getAt(root, path[:len(path)-1])
	if !ok {
		return fmt.Errorf("path not found: %s", path.String())
	}
	switch s := path[len(path)-1].(type) {
	case string:
		m, ok := parent.(map[string]any)
		if !ok {
			return fmt.Errorf("path %s: parent is not an object", path.String())
		}
		m[s] = value
	case int:
		list, ok := parent.([]any)
		if !ok || s < 0 || s >= len(list) {
			return fmt.Errorf("path %s: parent is not a list", path.String())
		}
		list[s] = value
	default:
		return fmt.Errorf("path %s: invalid step", path.String())
	}
	return nil
}

// deepCopy clones maps and slices so resolution never mutates the
// stored workflow definition
func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
