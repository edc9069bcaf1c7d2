package handlers_test

import (
	"context"
	"testing"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/expression"
	"github.com/forgeflow/process-engine/internal/handlers"
)

func TestGatewayHandler_SelectsFirstMatchingRoute(t *testing.T) {
	h := &handlers.GatewayHandler{Evaluator: expression.New()}
	sc := handlers.StepContext{
		Step: domain.StepDefinition{ID: "route"},
		Config: map[string]any{
			"routes": []any{
				map[string]any{"condition": "input.amount > 1000", "target": "manual_review"},
				map[string]any{"condition": "input.amount > 0", "target": "auto_approve"},
			},
		},
		Scope: expression.Scope{Input: map[string]any{"amount": 50}},
	}

	result := h.Execute(context.Background(), sc)
	if result.Kind != handlers.ResultOK {
		t.Fatalf("expected ResultOK, got %v (%v)", result.Kind, result.Err)
	}
	if result.Output["target_step"] != "auto_approve" {
		t.Errorf("target_step = %v, want auto_approve", result.Output["target_step"])
	}
	if result.Output["route_taken"] != "auto_approve" {
		t.Errorf("route_taken = %v, want auto_approve", result.Output["route_taken"])
	}
}

func TestGatewayHandler_FallsBackToDefault(t *testing.T) {
	h := &handlers.GatewayHandler{Evaluator: expression.New()}
	sc := handlers.StepContext{
		Step: domain.StepDefinition{ID: "route"},
		Config: map[string]any{
			"routes":        []any{map[string]any{"condition": "input.amount > 1000", "target": "manual_review"}},
			"default_route": "auto_approve",
		},
		Scope: expression.Scope{Input: map[string]any{"amount": 50}},
	}

	result := h.Execute(context.Background(), sc)
	if result.Kind != handlers.ResultOK || result.Output["target_step"] != "auto_approve" {
		t.Fatalf("expected default route auto_approve, got %+v", result)
	}
	if result.Output["route_taken"] != "default_route" {
		t.Errorf("route_taken = %v, want default_route", result.Output["route_taken"])
	}
}

func TestGatewayHandler_ParallelTakesEveryMatchingRoute(t *testing.T) {
	h := &handlers.GatewayHandler{Evaluator: expression.New()}
	sc := handlers.StepContext{
		Step: domain.StepDefinition{ID: "route"},
		Config: map[string]any{
			"gateway_type": "parallel",
			"routes": []any{
				map[string]any{"condition": "input.notify_email == true", "target": "email"},
				map[string]any{"condition": "input.notify_sms == true", "target": "sms"},
			},
		},
		Scope: expression.Scope{Input: map[string]any{"notify_email": true, "notify_sms": true}},
	}

	result := h.Execute(context.Background(), sc)
	if result.Kind != handlers.ResultOK {
		t.Fatalf("expected ResultOK, got %v (%v)", result.Kind, result.Err)
	}
	targets, _ := result.Output["target_steps"].([]string)
	if len(targets) != 2 {
		t.Fatalf("target_steps = %v, want both email and sms", targets)
	}
}

func TestGatewayHandler_RejectsMissingRoutes(t *testing.T) {
	h := &handlers.GatewayHandler{Evaluator: expression.New()}
	result := h.Execute(context.Background(), handlers.StepContext{Step: domain.StepDefinition{ID: "route"}})
	if result.Kind != handlers.ResultFail || result.Err.Code != domain.ErrInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG failure, got %+v", result)
	}
}
