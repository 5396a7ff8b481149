package registry

import (
	"context"
	"fmt"
	"sync"

	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowforge/flowforge/common/engine"
)

// codeHandler evaluates a user expression over the node's input.
// Expressions run in a sandboxed evaluator with no filesystem,
// network or goroutine access; the result becomes the node output.
type codeHandler struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func (h *codeHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "code",
		DisplayName: "Code",
		Category:    "transform",
		Fields: []engine.Field{
			{Name: "code", Type: "string", Required: true, Description: "Expression over input, items and vars"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"success", "error"},
	}
}

func (h *codeHandler) ValidateConfig(config map[string]any) []string {
	code, _ := config["code"].(string)
	if code == "" {
		return []string{"code is required"}
	}
	if _, err := h.compile(code); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func (h *codeHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	code, _ := config["code"].(string)
	program, err := h.compile(code)
	if err != nil {
		return engine.Fail("error", err.Error()), nil
	}

	var vars map[string]any
	if ec != nil {
		vars = ec.Variables
	}
	if vars == nil {
		vars = map[string]any{}
	}
	env := map[string]any{
		"input": engine.FirstJSON(input),
		"items": engine.ItemsToAny(input),
		"vars":  vars,
	}

	output, err := exprlang.Run(program, env)
	if err != nil {
		return engine.Fail("error", fmt.Sprintf("code evaluation failed: %v", err)), nil
	}
	return engine.Succeed("success", engine.NormalizeItems(output)), nil
}

func (h *codeHandler) compile(code string) (*vm.Program, error) {
	h.mu.RLock()
	program, ok := h.cache[code]
	h.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := exprlang.Compile(code, exprlang.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid code expression: %w", err)
	}

	h.mu.Lock()
	if h.cache == nil {
		h.cache = make(map[string]*vm.Program)
	}
	h.cache[code] = program
	h.mu.Unlock()
	return program, nil
}
