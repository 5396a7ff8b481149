package registry

import (
	"context"
	"testing"

	"github.com/flowforge/flowforge/common/engine"
)

func items(data map[string]any) []engine.NodeItem {
	return engine.Items(data)
}

func TestIfHandler_FieldComparisons(t *testing.T) {
	h := &ifHandler{evaluator: NewConditionEvaluator()}
	cases := []struct {
		name   string
		item   map[string]any
		config map[string]any
		want   string
	}{
		{
			"equals match",
			map[string]any{"status": "ok"},
			map[string]any{"field": "status", "operator": "equals", "value": "ok"},
			"true",
		},
		{
			"equals numeric coercion",
			map[string]any{"code": float64(200)},
			map[string]any{"field": "code", "operator": "equals", "value": 200},
			"true",
		},
		{
			"not_equals",
			map[string]any{"status": "ok"},
			map[string]any{"field": "status", "operator": "not_equals", "value": "failed"},
			"true",
		},
		{
			"contains",
			map[string]any{"message": "hello world"},
			map[string]any{"field": "message", "operator": "contains", "value": "wor"},
			"true",
		},
		{
			"greater_than false branch",
			map[string]any{"score": float64(3)},
			map[string]any{"field": "score", "operator": "greater_than", "value": 10},
			"false",
		},
		{
			"less_than",
			map[string]any{"score": float64(3)},
			map[string]any{"field": "score", "operator": "less_than", "value": 10},
			"true",
		},
		{
			"is_empty on missing field",
			map[string]any{},
			map[string]any{"field": "ghost", "operator": "is_empty"},
			"true",
		},
		{
			"is_not_empty",
			map[string]any{"name": "Ada"},
			map[string]any{"field": "name", "operator": "is_not_empty"},
			"true",
		},
		{
			"nested dotted field",
			map[string]any{"user": map[string]any{"role": "admin"}},
			map[string]any{"field": "user.role", "operator": "equals", "value": "admin"},
			"true",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := h.Execute(context.Background(), items(tc.item), tc.config, newTestContext())
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if result.OutputHandle != tc.want {
				t.Errorf("expected handle %q, got %q", tc.want, result.OutputHandle)
			}
		})
	}
}

func TestIfHandler_ExpressionMode(t *testing.T) {
	h := &ifHandler{evaluator: NewConditionEvaluator()}
	ec := newTestContext()
	ec.Variables["threshold"] = 10

	result, err := h.Execute(context.Background(),
		items(map[string]any{"score": 42}),
		map[string]any{"expression": "output.score > vars.threshold"},
		ec,
	)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.OutputHandle != "true" {
		t.Errorf("expected true branch, got %q", result.OutputHandle)
	}
}

func TestIfHandler_DollarShorthand(t *testing.T) {
	h := &ifHandler{evaluator: NewConditionEvaluator()}

	result, err := h.Execute(context.Background(),
		items(map[string]any{"score": 42}),
		map[string]any{"expression": "$.score > 10"},
		newTestContext(),
	)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.OutputHandle != "true" {
		t.Errorf("expected true branch, got %q", result.OutputHandle)
	}
}

func TestIfHandler_BadExpressionRoutesFalse(t *testing.T) {
	h := &ifHandler{evaluator: NewConditionEvaluator()}

	result, err := h.Execute(context.Background(),
		items(map[string]any{"score": 42}),
		map[string]any{"expression": "output.score +"},
		newTestContext(),
	)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Success {
		t.Error("invalid expression must not succeed")
	}
	if result.OutputHandle != "false" {
		t.Errorf("expected false handle, got %q", result.OutputHandle)
	}
}

func TestSwitchHandler_FirstMatchWins(t *testing.T) {
	h := &switchHandler{}
	config := map[string]any{
		"rules": []any{
			map[string]any{"field": "tier", "operator": "equals", "value": "free"},
			map[string]any{"field": "tier", "operator": "equals", "value": "pro"},
		},
	}

	result, err := h.Execute(context.Background(), items(map[string]any{"tier": "pro"}), config, newTestContext())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.OutputHandle != "output-1" {
		t.Errorf("expected output-1, got %q", result.OutputHandle)
	}
}

func TestSwitchHandler_Fallback(t *testing.T) {
	h := &switchHandler{}
	config := map[string]any{
		"rules": []any{
			map[string]any{"field": "tier", "operator": "equals", "value": "free"},
		},
	}

	result, err := h.Execute(context.Background(), items(map[string]any{"tier": "enterprise"}), config, newTestContext())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.OutputHandle != "fallback" {
		t.Errorf("expected fallback, got %q", result.OutputHandle)
	}
}

func TestConditionEvaluator_CachesPrograms(t *testing.T) {
	e := NewConditionEvaluator()
	expr := "output.x == 1"

	for i := 0; i < 3; i++ {
		ok, err := e.EvaluateBool(expr, map[string]any{"x": 1}, nil)
		if err != nil {
			t.Fatalf("EvaluateBool failed: %v", err)
		}
		if !ok {
			t.Error("expected true")
		}
	}
}

func TestConditionEvaluator_RejectsNonBool(t *testing.T) {
	e := NewConditionEvaluator()
	if _, err := e.EvaluateBool("output.x", map[string]any{"x": 1}, nil); err == nil {
		t.Error("non-boolean result must be rejected")
	}
}
