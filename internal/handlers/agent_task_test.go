package handlers_test

import (
	"context"
	"testing"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/handlers"
)

type fakeGateway struct {
	resp handlers.AgentResponse
	err  error
}

func (f *fakeGateway) Invoke(context.Context, string, string, map[string]any) (handlers.AgentResponse, error) {
	return f.resp, f.err
}

func TestAgentTaskHandler_ReturnsOutputOnSuccess(t *testing.T) {
	gw := &fakeGateway{resp: handlers.AgentResponse{
		Output:     map[string]any{"summary": "done"},
		TokenUsage: domain.TokenUsage{TotalTokens: 42},
		Cost:       domain.USD(0.03),
	}}
	h := &handlers.AgentTaskHandler{Gateway: gw}

	result := h.Execute(context.Background(), handlers.StepContext{
		Step:   domain.StepDefinition{ID: "task"},
		Config: map[string]any{"agent": "summarizer", "message": "summarize this"},
	})
	if result.Kind != handlers.ResultOK {
		t.Fatalf("expected ResultOK, got %+v", result)
	}
	response, ok := result.Output["response"].(map[string]any)
	if !ok || response["summary"] != "done" {
		t.Errorf("response = %v, want map with summary done", result.Output["response"])
	}
	if result.Output["agent"] != "summarizer" {
		t.Errorf("agent = %v, want summarizer", result.Output["agent"])
	}
	if result.Output["cost"] != domain.USD(0.03) {
		t.Errorf("cost = %v, want %v", result.Output["cost"], domain.USD(0.03))
	}
	if _, ok := result.Output["token_usage"]; !ok {
		t.Error("expected token_usage in output when the gateway reported usage")
	}
}

func TestAgentTaskHandler_RequiresAgent(t *testing.T) {
	h := &handlers.AgentTaskHandler{Gateway: &fakeGateway{}}
	result := h.Execute(context.Background(), handlers.StepContext{Step: domain.StepDefinition{ID: "task"}})
	if result.Kind != handlers.ResultFail || result.Err.Code != domain.ErrInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG, got %+v", result)
	}
}

func TestAgentTaskHandler_MapsGatewayErrorToAgentUnavailable(t *testing.T) {
	h := &handlers.AgentTaskHandler{Gateway: &fakeGateway{err: errBoom}}
	result := h.Execute(context.Background(), handlers.StepContext{
		Step:   domain.StepDefinition{ID: "task"},
		Config: map[string]any{"agent": "summarizer"},
	})
	if result.Kind != handlers.ResultFail || result.Err.Code != domain.ErrAgentUnavailable {
		t.Fatalf("expected AGENT_UNAVAILABLE, got %+v", result)
	}
}

var errBoom = fakeErr("connection refused")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
