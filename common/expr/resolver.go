package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Env is the evaluation environment a template is resolved against.
// The engine builds one per node invocation from its execution context.
type Env struct {
	// NodeOutputs maps node ID to that node's stored output (items list)
	NodeOutputs map[string]any

	// NodeLabelToID maps display labels to node IDs
	NodeLabelToID map[string]string

	// CurrentInput is the current node's input items
	CurrentInput any

	// Variables backs $vars references
	Variables map[string]any

	// Warn receives a message when a referenced path does not resolve.
	// May be nil.
	Warn func(msg string)
}

func (e *Env) warn(format string, args ...any) {
	if e.Warn != nil {
		e.Warn(fmt.Sprintf(format, args...))
	}
}

// Resolve evaluates a template string. A string that is exactly one
// {{ … }} template preserves the evaluated value's type; templates
// interpolated into surrounding text stringify, with missing values
// becoming the empty string. Missing paths warn and evaluate to nil,
// they never fail the node.
func Resolve(template string, env *Env) any {
	segments := splitTemplate(template)
	if len(segments) == 0 {
		return template
	}

	// Whole-string template: preserve type
	if len(segments) == 1 && segments[0].isExpr && strings.TrimSpace(template) == strings.TrimSpace("{{"+segments[0].text+"}}") {
		val, _ := evaluate(strings.TrimSpace(segments[0].text), env)
		return val
	}

	var b strings.Builder
	for _, seg := range segments {
		if !seg.isExpr {
			b.WriteString(seg.text)
			continue
		}
		val, ok := evaluate(strings.TrimSpace(seg.text), env)
		if !ok || val == nil {
			continue
		}
		b.WriteString(stringify(val))
	}
	return b.String()
}

// ResolveConfig deep-copies config and overwrites every templated path
// with its evaluated value. Paths come from compile-time FindPaths.
func ResolveConfig(config map[string]any, paths []Path, env *Env) map[string]any {
	resolved, _ := deepCopy(config).(map[string]any)
	if resolved == nil {
		return config
	}
	for _, p := range paths {
		raw, ok := getAt(resolved, p)
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		_ = setAt(resolved, p, Resolve(s, env))
	}
	return resolved
}

type segment struct {
	text   string
	isExpr bool
}

// splitTemplate cuts a string into literal and {{ … }} segments.
// Returns nil when the string holds no template.
func splitTemplate(s string) []segment {
	if !strings.Contains(s, "{{") {
		return nil
	}
	var segs []segment
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			break
		}
		if start > 0 {
			segs = append(segs, segment{text: rest[:start]})
		}
		segs = append(segs, segment{text: rest[start+2 : start+end], isExpr: true})
		rest = rest[start+end+2:]
	}
	if len(segs) == 0 {
		return nil
	}
	if rest != "" {
		segs = append(segs, segment{text: rest})
	}
	return segs
}

// evaluate resolves one expression (without braces) against the env.
// The boolean reports whether the full path resolved.
func evaluate(exprStr string, env *Env) (any, bool) {
	switch {
	case strings.HasPrefix(exprStr, "$node"):
		return evalNodeRef(exprStr, env)
	case strings.HasPrefix(exprStr, "$json"):
		return evalInputRef(exprStr[len("$json"):], exprStr, env)
	case strings.HasPrefix(exprStr, "$input"):
		return evalInputRef(exprStr[len("$input"):], exprStr, env)
	case strings.HasPrefix(exprStr, "$vars"):
		return evalVarRef(exprStr, env)
	}
	env.warn("unrecognized expression: %s", exprStr)
	return nil, false
}

// evalNodeRef handles $node[<ref>].path and $node.<ref>.path
func evalNodeRef(exprStr string, env *Env) (any, bool) {
	rest := exprStr[len("$node"):]
	ref, rest, err := parseNodeRef(rest)
	if err != nil {
		env.warn("invalid node reference: %s", exprStr)
		return nil, false
	}

	nodeID, ok := lookupNode(ref, env)
	if !ok {
		env.warn("unknown node in expression: %s", exprStr)
		return nil, false
	}

	output, ok := env.NodeOutputs[nodeID]
	if !ok {
		env.warn("node has no output yet: %s", exprStr)
		return nil, false
	}

	path, err := tokenizePath(rest)
	if err != nil {
		env.warn("invalid path in expression: %s", exprStr)
		return nil, false
	}

	val, ok := walk(output, path)
	if !ok {
		env.warn("path not found: %s", exprStr)
		return nil, false
	}
	return val, true
}

func evalInputRef(rest, full string, env *Env) (any, bool) {
	path, err := tokenizePath(rest)
	if err != nil {
		env.warn("invalid path in expression: %s", full)
		return nil, false
	}
	val, ok := walk(env.CurrentInput, path)
	if !ok {
		env.warn("path not found: %s", full)
		return nil, false
	}
	return val, true
}

func evalVarRef(exprStr string, env *Env) (any, bool) {
	path, err := tokenizePath(exprStr[len("$vars"):])
	if err != nil || len(path) == 0 {
		env.warn("invalid variable reference: %s", exprStr)
		return nil, false
	}
	val, ok := getAt(anyMap(env.Variables), path)
	if !ok {
		env.warn("variable not found: %s", exprStr)
		return nil, false
	}
	return val, true
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// lookupNode applies the reference order: exact label, exact ID,
// case-insensitive label as a last resort.
func lookupNode(ref string, env *Env) (string, bool) {
	if id, ok := env.NodeLabelToID[ref]; ok {
		return id, true
	}
	if _, ok := env.NodeOutputs[ref]; ok {
		return ref, true
	}
	for label, id := range env.NodeLabelToID {
		if strings.EqualFold(label, ref) {
			return id, true
		}
	}
	return "", false
}

// walk follows a tokenized path, auto-diving into the first item of an
// items list when the next step is not an index. This lets
// $node[X].json address item zero without an explicit [0].
func walk(value any, path Path) (any, bool) {
	cur := value
	for _, step := range path {
		if list, isList := cur.([]any); isList {
			if _, isIndex := step.(int); !isIndex {
				if len(list) == 0 {
					return nil, false
				}
				cur = list[0]
			}
		}
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			next, ok := m[s]
			if !ok {
				// Fall through the item wrapper so $json.field reads
				// items[0].json.field without an explicit .json step
				inner, isWrapped := m["json"].(map[string]any)
				if !isWrapped {
					return nil, false
				}
				next, ok = inner[s]
				if !ok {
					return nil, false
				}
			}
			cur = next
		case int:
			list, ok := cur.([]any)
			if !ok || s < 0 || s >= len(list) {
				return nil, false
			}
			cur = list[s]
		}
	}
	return cur, true
}

// parseNodeRef splits the node reference from the remaining path.
// Accepts [label], ['label'], ["label"] and .label forms.
func parseNodeRef(rest string) (ref, remainder string, err error) {
	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated bracket")
		}
		ref = strings.TrimSpace(rest[1:end])
		ref = strings.Trim(ref, `"'`)
		if ref == "" {
			return "", "", fmt.Errorf("empty node reference")
		}
		return ref, rest[end+1:], nil
	}
	if strings.HasPrefix(rest, ".") {
		rest = rest[1:]
		end := strings.IndexAny(rest, ".[")
		if end < 0 {
			return rest, "", nil
		}
		return rest[:end], rest[end:], nil
	}
	return "", "", fmt.Errorf("expected [ or . after $node")
}

// tokenizePath parses a dotted path: a.b, a[0], a["key"], a['key']
// with arbitrary interleaving. A leading dot is consumed.
func tokenizePath(s string) (Path, error) {
	var path Path
	i := 0
	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' {
				i++
			}
			if i == start {
				return nil, fmt.Errorf("empty path segment at %d", start)
			}
			path = append(path, s[start:i])
		case '[':
			end := strings.Index(s[i:], "]")
			if end < 0 {
				return nil, fmt.Errorf("unterminated bracket at %d", i)
			}
			inner := strings.TrimSpace(s[i+1 : i+end])
			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') {
				path = append(path, strings.Trim(inner, `"'`))
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("invalid index %q", inner)
				}
				path = append(path, idx)
			}
			i += end + 1
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", s[i], i)
		}
	}
	return path, nil
}

// stringify renders a value for interpolation into surrounding text
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
