package handlers

import (
	"context"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/expression"
)

// GatewayHandler evaluates a step's routing rules and reports which
// downstream step the engine should take. It does not itself skip the
// branches that weren't chosen — the engine's scheduler reads
// Output["target_steps"] and marks every other still-pending route target
// `skipped`,
// which per the dependency-satisfaction rule still lets their own
// dependents become ready. Adapted from executeCondition/evaluateBranches/
// matchCondition, whose hand-rolled string splitting this replaces with
// expr-lang/expr boolean evaluation.
type GatewayHandler struct {
	Evaluator *expression.Evaluator
}

// Type implements StepHandler.
func (h *GatewayHandler) Type() domain.StepType { return domain.StepGateway }

type gatewayRoute struct {
	Condition string
	Target    string
}

// Execute implements StepHandler.
func (h *GatewayHandler) Execute(_ context.Context, sc StepContext) Result {
	raw, ok := sc.Config["routes"].([]any)
	if !ok || len(raw) == 0 {
		return Fail(domain.ErrInvalidConfig, "gateway %q: routes is required", sc.Step.ID)
	}

	routes := make([]gatewayRoute, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return Fail(domain.ErrInvalidConfig, "gateway %q: routes[%d] malformed", sc.Step.ID, i)
		}
		target, _ := m["target"].(string)
		if target == "" {
			return Fail(domain.ErrInvalidConfig, "gateway %q: routes[%d].target is required", sc.Step.ID, i)
		}
		condition, _ := m["condition"].(string)
		routes = append(routes, gatewayRoute{Condition: condition, Target: target})
	}

	parallel := false
	if gt, ok := sc.Config["gateway_type"].(string); ok && gt == "parallel" {
		parallel = true
	}

	evaluated := make([]map[string]any, 0, len(routes))
	var matched []string
	for _, r := range routes {
		truth, err := h.Evaluator.EvaluateCondition(r.Condition, sc.Scope)
		if err != nil {
			return Fail(domain.ErrInvalidConfig, "gateway %q: %v", sc.Step.ID, err)
		}
		evaluated = append(evaluated, map[string]any{"condition": r.Condition, "target": r.Target, "matched": truth})
		if truth && (parallel || len(matched) == 0) {
			matched = append(matched, r.Target)
		}
	}

	routeTaken := "default_route"
	if len(matched) == 0 {
		if def, ok := sc.Config["default_route"].(string); ok && def != "" {
			matched = []string{def}
		}
	} else if !parallel {
		routeTaken = matched[0]
	} else {
		routeTaken = "parallel"
	}

	var selected string
	if len(matched) > 0 {
		selected = matched[0]
	}

	return OK(map[string]any{
		"route_taken":  routeTaken,
		"target_step":  selected,
		"target_steps": matched,
		"conditions":   evaluated,
	})
}
