package expression_test

import (
	"testing"

	"github.com/forgeflow/process-engine/internal/expression"
)

func scope() expression.Scope {
	return expression.Scope{
		Input: map[string]any{"customer_id": "c-42"},
		Steps: map[string]expression.StepOutput{
			"fetch": {Output: map[string]any{"amount": 199.5}, Status: "completed"},
		},
		Execution: map[string]any{"id": "exec-1"},
		Process:   map[string]any{"name": "refund"},
	}
}

func TestRender_SubstitutesKnownPaths(t *testing.T) {
	e := expression.New()
	got := e.Render("customer {{ input.customer_id }} owes {{ steps.fetch.output.amount }}", scope())
	want := "customer c-42 owes 199.5"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRender_LeavesUnresolvedExpressionLiteral(t *testing.T) {
	e := expression.New()
	got := e.Render("value is {{ steps.missing.output.x }}", scope())
	if got != "value is {{ steps.missing.output.x }}" {
		t.Errorf("Render() = %q, want the original literal preserved", got)
	}
}

func TestRenderMap_RecursesNestedStructures(t *testing.T) {
	e := expression.New()
	in := map[string]any{
		"headers": map[string]any{"X-Customer": "{{ input.customer_id }}"},
		"tags":    []any{"{{ process.name }}", "static"},
		"count":   3,
	}
	out := e.RenderMap(in, scope())
	headers := out["headers"].(map[string]any)
	if headers["X-Customer"] != "c-42" {
		t.Errorf("headers.X-Customer = %v, want c-42", headers["X-Customer"])
	}
	tags := out["tags"].([]any)
	if tags[0] != "refund" || tags[1] != "static" {
		t.Errorf("tags = %v", tags)
	}
	if out["count"] != 3 {
		t.Errorf("count = %v, want unchanged 3", out["count"])
	}
}

func TestEvaluateCondition(t *testing.T) {
	e := expression.New()
	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{`steps.fetch.status == "completed"`, true},
		{`steps.fetch.output.amount > 200`, false},
		{`steps.fetch.output.amount > 100 && input.customer_id == "c-42"`, true},
	}
	for _, c := range cases {
		got, err := e.EvaluateCondition(c.cond, scope())
		if err != nil {
			t.Fatalf("EvaluateCondition(%q): %v", c.cond, err)
		}
		if got != c.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", c.cond, got, c.want)
		}
	}
}

func TestEvaluateCondition_NonBooleanIsError(t *testing.T) {
	e := expression.New()
	if _, err := e.EvaluateCondition(`input.customer_id`, scope()); err == nil {
		t.Error("expected an error for a non-boolean condition")
	}
}
