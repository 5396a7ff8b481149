package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowforge/flowforge/common/engine"
)

var comparisonOperators = map[string]struct{}{
	"equals": {}, "not_equals": {}, "contains": {},
	"greater_than": {}, "less_than": {},
	"is_empty": {}, "is_not_empty": {},
}

// ifHandler routes items to "true" or "false". It supports a simple
// field/operator/value comparison or a full expression evaluated
// against the first item.
type ifHandler struct {
	evaluator *ConditionEvaluator
}

func (h *ifHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "if",
		DisplayName: "If",
		Category:    "flow",
		Fields: []engine.Field{
			{Name: "field", Type: "string", Description: "Dotted path into the first item"},
			{Name: "operator", Type: "string", Description: "equals, not_equals, contains, greater_than, less_than, is_empty, is_not_empty"},
			{Name: "value", Type: "any", Description: "Comparison operand"},
			{Name: "expression", Type: "string", Description: "Boolean expression, overrides field/operator"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"true", "false"},
	}
}

func (h *ifHandler) ValidateConfig(config map[string]any) []string {
	var problems []string
	expression, _ := config["expression"].(string)
	if expression != "" {
		if err := h.evaluator.Check(expression); err != nil {
			problems = append(problems, err.Error())
		}
		return problems
	}

	field, _ := config["field"].(string)
	op, _ := config["operator"].(string)
	if field == "" {
		problems = append(problems, "field is required when no expression is set")
	}
	if op == "" {
		problems = append(problems, "operator is required when no expression is set")
	} else if _, ok := comparisonOperators[op]; !ok {
		problems = append(problems, fmt.Sprintf("unknown operator %q", op))
	}
	return problems
}

func (h *ifHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	if expression, _ := config["expression"].(string); expression != "" {
		var vars map[string]any
		if ec != nil {
			vars = ec.Variables
		}
		matched, err := h.evaluator.EvaluateBool(expression, engine.FirstJSON(input), vars)
		if err != nil {
			return engine.Fail("false", err.Error()), nil
		}
		return engine.Succeed(boolHandle(matched), input), nil
	}

	field, _ := config["field"].(string)
	op, _ := config["operator"].(string)
	matched, err := compareField(input, field, op, config["value"])
	if err != nil {
		return engine.Fail("false", err.Error()), nil
	}
	return engine.Succeed(boolHandle(matched), input), nil
}

func boolHandle(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// switchHandler evaluates ordered rules and routes to output-N for
// the first matching rule, or "fallback" when none match.
type switchHandler struct{}

func (h *switchHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "switch",
		DisplayName: "Switch",
		Category:    "flow",
		Fields: []engine.Field{
			{Name: "rules", Type: "array", Required: true, Description: "Ordered list of {field, operator, value} rules"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"output-0", "output-1", "output-2", "output-3", "fallback"},
	}
}

func (h *switchHandler) ValidateConfig(config map[string]any) []string {
	rules, ok := config["rules"].([]any)
	if !ok || len(rules) == 0 {
		return []string{"rules must be a non-empty array"}
	}
	var problems []string
	for i, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("rule %d must be an object", i))
			continue
		}
		if field, _ := rule["field"].(string); field == "" {
			problems = append(problems, fmt.Sprintf("rule %d is missing field", i))
		}
		op, _ := rule["operator"].(string)
		if _, known := comparisonOperators[op]; !known {
			problems = append(problems, fmt.Sprintf("rule %d has unknown operator %q", i, op))
		}
	}
	return problems
}

func (h *switchHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	rules, _ := config["rules"].([]any)
	for i, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		field, _ := rule["field"].(string)
		op, _ := rule["operator"].(string)
		matched, err := compareField(input, field, op, rule["value"])
		if err != nil {
			continue
		}
		if matched {
			return engine.Succeed(fmt.Sprintf("output-%d", i), input), nil
		}
	}
	return engine.Succeed("fallback", input), nil
}

// compareField looks up a dotted path in the first item and applies
// a comparison operator
func compareField(input []engine.NodeItem, field, op string, operand any) (bool, error) {
	encoded, err := json.Marshal(engine.FirstJSON(input))
	if err != nil {
		return false, fmt.Errorf("encode item: %w", err)
	}
	value := gjson.GetBytes(encoded, field)

	switch op {
	case "is_empty":
		return !value.Exists() || value.String() == "", nil
	case "is_not_empty":
		return value.Exists() && value.String() != "", nil
	case "equals":
		return looseEqual(value, operand), nil
	case "not_equals":
		return !looseEqual(value, operand), nil
	case "contains":
		return strings.Contains(value.String(), fmt.Sprint(operand)), nil
	case "greater_than":
		n, err := operandNumber(operand)
		if err != nil {
			return false, err
		}
		return value.Exists() && value.Float() > n, nil
	case "less_than":
		n, err := operandNumber(operand)
		if err != nil {
			return false, err
		}
		return value.Exists() && value.Float() < n, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// looseEqual compares numerically when both sides are numbers and
// falls back to string comparison otherwise, so "200" equals 200
func looseEqual(value gjson.Result, operand any) bool {
	if n, err := operandNumber(operand); err == nil && value.Type == gjson.Number {
		return value.Float() == n
	}
	return value.String() == fmt.Sprint(operand)
}

func operandNumber(operand any) (float64, error) {
	switch v := operand.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("operand %v is not numeric", operand)
	}
}
