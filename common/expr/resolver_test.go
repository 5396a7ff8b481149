package expr

import (
	"testing"
)

func testEnv() *Env {
	return &Env{
		NodeOutputs: map[string]any{
			"node-1": []any{
				map[string]any{"json": map[string]any{
					"score": float64(95),
					"user":  map[string]any{"name": "Ada", "tags": []any{"admin", "ops"}},
				}},
			},
		},
		NodeLabelToID: map[string]string{"Fetch User": "node-1"},
		CurrentInput: []any{
			map[string]any{"json": map[string]any{"city": "Oslo"}},
		},
		Variables: map[string]any{"greeting": "hello"},
	}
}

// TestResolve_WholeStringPreservesType verifies a bare template keeps
// the referenced value's type instead of stringifying it.
func TestResolve_WholeStringPreservesType(t *testing.T) {
	env := testEnv()

	got := Resolve("{{ $node[Fetch User].json.score }}", env)
	score, ok := got.(float64)
	if !ok {
		t.Fatalf("expected float64, got %T (%v)", got, got)
	}
	if score != 95 {
		t.Errorf("expected 95, got %v", score)
	}
}

// TestResolve_InterpolationStringifies verifies templates embedded in
// surrounding text produce a single string.
func TestResolve_InterpolationStringifies(t *testing.T) {
	env := testEnv()

	got := Resolve("Greeting: {{ $node[Fetch User].json.user.name }}!", env)
	s, ok := got.(string)
	if !ok {
		t.Fatalf("expected string, got %T", got)
	}
	if s != "Greeting: Ada!" {
		t.Errorf("unexpected interpolation result: %q", s)
	}
}

// TestResolve_MissingPathWarns verifies unresolvable paths evaluate to
// nil (or empty string in text) and record exactly one warning.
func TestResolve_MissingPathWarns(t *testing.T) {
	env := testEnv()
	var warnings []string
	env.Warn = func(msg string) { warnings = append(warnings, msg) }

	got := Resolve("{{ $node[Fetch User].json.does.not.exist }}", env)
	if got != nil {
		t.Errorf("expected nil for missing path, got %v", got)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}
}

// TestResolve_MissingPathInTextBecomesEmpty checks interpolated missing
// values degrade to the empty string instead of failing.
func TestResolve_MissingPathInTextBecomesEmpty(t *testing.T) {
	env := testEnv()
	var warnings []string
	env.Warn = func(msg string) { warnings = append(warnings, msg) }

	got := Resolve("value=[{{ $node[Fetch User].json.missing }}]", env)
	if got != "value=[]" {
		t.Errorf("expected empty substitution, got %v", got)
	}
	if len(warnings) == 0 {
		t.Error("expected a warning for the missing path")
	}
}

func TestResolve_NodeLookupFallsBackToID(t *testing.T) {
	env := testEnv()

	got := Resolve("{{ $node[node-1].json.score }}", env)
	if got != float64(95) {
		t.Errorf("ID-based lookup failed, got %v", got)
	}

	// Case-insensitive label match
	got = Resolve("{{ $node[fetch user].json.score }}", env)
	if got != float64(95) {
		t.Errorf("case-insensitive label lookup failed, got %v", got)
	}
}

func TestResolve_InputAndVars(t *testing.T) {
	env := testEnv()

	if got := Resolve("{{ $input.city }}", env); got != "Oslo" {
		t.Errorf("$input lookup failed, got %v", got)
	}
	if got := Resolve("{{ $json.city }}", env); got != "Oslo" {
		t.Errorf("$json lookup failed, got %v", got)
	}
	if got := Resolve("{{ $vars.greeting }}", env); got != "hello" {
		t.Errorf("$vars lookup failed, got %v", got)
	}
}

func TestResolve_ArrayIndexing(t *testing.T) {
	env := testEnv()

	got := Resolve("{{ $node[Fetch User].json.user.tags[1] }}", env)
	if got != "ops" {
		t.Errorf("expected ops, got %v", got)
	}
}

func TestResolve_NonTemplatePassesThrough(t *testing.T) {
	env := testEnv()

	got := Resolve("plain string", env)
	if got != "plain string" {
		t.Errorf("plain string should pass through untouched, got %v", got)
	}
}

// TestResolveConfig_OnlyTemplatedPathsChange verifies ResolveConfig
// rewrites templated fields in a deep copy and leaves the original
// config untouched.
func TestResolveConfig_OnlyTemplatedPathsChange(t *testing.T) {
	env := testEnv()
	config := map[string]any{
		"url":    "https://api.example.com/users/{{ $node[Fetch User].json.user.name }}",
		"static": "unchanged",
		"nested": map[string]any{"score": "{{ $node[Fetch User].json.score }}"},
	}
	paths := FindPaths(config)
	if len(paths) != 2 {
		t.Fatalf("expected 2 templated paths, got %d: %v", len(paths), paths)
	}

	resolved := ResolveConfig(config, paths, env)
	if resolved["url"] != "https://api.example.com/users/Ada" {
		t.Errorf("url not resolved: %v", resolved["url"])
	}
	nested := resolved["nested"].(map[string]any)
	if nested["score"] != float64(95) {
		t.Errorf("nested score not resolved with type preserved: %v", nested["score"])
	}
	if config["url"] != "https://api.example.com/users/{{ $node[Fetch User].json.user.name }}" {
		t.Error("original config was mutated")
	}
}
