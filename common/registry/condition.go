package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator compiles and runs boolean expressions against a
// node output and the execution variables. Compiled programs are
// cached because the same workflow re-evaluates the same expressions
// on every run.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewConditionEvaluator() *ConditionEvaluator {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("condition env: %v", err))
	}
	return &ConditionEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}
}

// EvaluateBool runs an expression and requires a boolean result.
// `$.` is shorthand for the current output, so "$.status == 200"
// reads naturally in workflow definitions.
func (e *ConditionEvaluator) EvaluateBool(expression string, output any, vars map[string]any) (bool, error) {
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}

	if vars == nil {
		vars = map[string]any{}
	}
	result, _, err := prog.Eval(map[string]any{
		"output": output,
		"vars":   vars,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition must evaluate to a boolean, got %T", result.Value())
	}
	return b, nil
}

// Check compiles an expression without running it (config validation)
func (e *ConditionEvaluator) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ConditionEvaluator) program(expression string) (cel.Program, error) {
	normalized := strings.ReplaceAll(expression, "$.", "output.")

	e.mu.RLock()
	prog, ok := e.cache[normalized]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expression, issues.Err())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition program: %w", err)
	}

	e.mu.Lock()
	e.cache[normalized] = prog
	e.mu.Unlock()
	return prog, nil
}
