package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/forgeflow/process-engine/internal/domain"
)

// AgentGateway is the outbound call an agent_task step makes. It is
// adapted from the control-plane engine's direct A2A JSON-RPC POST to
// "{baseURL}/agents/{name}/a2a" — kept here as an interface so the engine
// can be wired against a real gateway in production and a fake in tests.
type AgentGateway interface {
	// Invoke sends message to the named agent and returns its structured
	// output plus token/cost accounting for the call.
	Invoke(ctx context.Context, agent string, message string, input map[string]any) (AgentResponse, error)
}

// AgentResponse is what an agent call returns.
type AgentResponse struct {
	Output     map[string]any
	TokenUsage domain.TokenUsage
	Cost       domain.Money
}

// HTTPAgentGateway calls agents over HTTP using the A2A tasks/send JSON-RPC
// method, exactly as the control-plane engine's executeAgentStep does,
// generalized to route through a configurable base URL rather than a
// hardcoded control-plane gateway path.
type HTTPAgentGateway struct {
	Client  *http.Client
	BaseURL string
}

// NewHTTPAgentGateway builds a gateway whose HTTP client times out agent
// calls after 60s.
func NewHTTPAgentGateway(baseURL string) *HTTPAgentGateway {
	return &HTTPAgentGateway{
		Client:  &http.Client{Timeout: 60 * time.Second},
		BaseURL: baseURL,
	}
}

// Invoke implements AgentGateway.
func (g *HTTPAgentGateway) Invoke(ctx context.Context, agent, message string, input map[string]any) (AgentResponse, error) {
	reqID := uuid.New().String()
	rpcReq := map[string]any{
		"jsonrpc": "2.0",
		"method":  "tasks/send",
		"id":      reqID,
		"params": map[string]any{
			"id": reqID,
			"message": map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{"type": "text", "text": fmt.Sprintf("%s\ninput: %v", message, input)},
				},
			},
		},
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		return AgentResponse{}, fmt.Errorf("agent_task: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/agents/%s/a2a", g.BaseURL, agent)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return AgentResponse{}, fmt.Errorf("agent_task: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return AgentResponse{}, fmt.Errorf("agent_task: call %s: %w", agent, err)
	}
	defer resp.Body.Close()

	var rpcResp map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return AgentResponse{}, fmt.Errorf("agent_task: decode response: %w", err)
	}

	if rpcErr, ok := rpcResp["error"].(map[string]any); ok {
		return AgentResponse{}, fmt.Errorf("agent_task: %v", rpcErr["message"])
	}

	output, usage, cost := extractMetrics(rpcResp)
	return AgentResponse{Output: output, TokenUsage: usage, Cost: cost}, nil
}

// extractMetrics pulls the result payload and usage accounting out of an
// A2A JSON-RPC response body, mirroring extractA2AMetrics.
func extractMetrics(rpcResp map[string]any) (map[string]any, domain.TokenUsage, domain.Money) {
	result, _ := rpcResp["result"].(map[string]any)
	if result == nil {
		return map[string]any{}, domain.TokenUsage{}, domain.Money{}
	}

	var usage domain.TokenUsage
	if u, ok := result["usage"].(map[string]any); ok {
		usage.PromptTokens = int64(asFloat(u["prompt_tokens"]))
		usage.CompletionTokens = int64(asFloat(u["completion_tokens"]))
		usage.TotalTokens = int64(asFloat(u["total_tokens"]))
	}

	var cost domain.Money
	if c, ok := result["cost_usd"]; ok {
		cost = domain.USD(asFloat(c))
	}

	return result, usage, cost
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// AgentTaskHandler dispatches a step to an external agent over the
// configured gateway. Adapted from executeAgentStep.
type AgentTaskHandler struct {
	Gateway AgentGateway
}

// Type implements StepHandler.
func (h *AgentTaskHandler) Type() domain.StepType { return domain.StepAgentTask }

// Execute implements StepHandler.
func (h *AgentTaskHandler) Execute(ctx context.Context, sc StepContext) Result {
	agent, _ := sc.Config["agent"].(string)
	if agent == "" {
		return Fail(domain.ErrInvalidConfig, "agent_task step %q has no agent configured", sc.Step.ID)
	}
	message, _ := sc.Config["message"].(string)

	resp, err := h.Gateway.Invoke(ctx, agent, message, sc.Scope.Input)
	if err != nil {
		code := domain.ErrAgentUnavailable
		if ctx.Err() != nil {
			code = domain.ErrTimeout
		}
		return Fail(code, "agent_task %q: %v", sc.Step.ID, err)
	}

	// Output shape downstream templates rely on: response (the agent's
	// structured reply), agent, and cost/token_usage when the gateway
	// reported them. The _-prefixed duplicates are the engine's
	// bookkeeping side channel, stripped before the output persists.
	out := map[string]any{
		"response": resp.Output,
		"agent":    agent,
	}
	if resp.Cost != (domain.Money{}) {
		out["cost"] = resp.Cost
	}
	if resp.TokenUsage != (domain.TokenUsage{}) {
		out["token_usage"] = resp.TokenUsage
	}
	out["_token_usage"] = resp.TokenUsage
	out["_cost"] = resp.Cost
	return OK(out)
}
