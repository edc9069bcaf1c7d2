package handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/handlers"
)

func TestTimerHandler_FiresAfterDuration(t *testing.T) {
	h := &handlers.TimerHandler{}
	sc := handlers.StepContext{
		Step:   domain.StepDefinition{ID: "wait"},
		Config: map[string]any{"duration": "10ms"},
	}

	start := time.Now()
	result := h.Execute(context.Background(), sc)
	if result.Kind != handlers.ResultOK {
		t.Fatalf("expected ResultOK, got %+v", result)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("timer returned before its duration elapsed")
	}
	if _, ok := result.Output["waited_seconds"].(float64); !ok {
		t.Errorf("expected waited_seconds output, got %+v", result.Output)
	}
}

func TestTimerHandler_FiresAtUntilTimestamp(t *testing.T) {
	h := &handlers.TimerHandler{}
	sc := handlers.StepContext{
		Step:   domain.StepDefinition{ID: "wait"},
		Config: map[string]any{"until": time.Now().Add(10 * time.Millisecond).Format(time.RFC3339)},
	}

	result := h.Execute(context.Background(), sc)
	if result.Kind != handlers.ResultOK {
		t.Fatalf("expected ResultOK, got %+v", result)
	}
}

func TestTimerHandler_RejectsMissingConfig(t *testing.T) {
	h := &handlers.TimerHandler{}
	result := h.Execute(context.Background(), handlers.StepContext{Step: domain.StepDefinition{ID: "wait"}})
	if result.Kind != handlers.ResultFail || result.Err.Code != domain.ErrInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG failure, got %+v", result)
	}
}

func TestTimerHandler_RejectsMalformedDuration(t *testing.T) {
	h := &handlers.TimerHandler{}
	sc := handlers.StepContext{
		Step:   domain.StepDefinition{ID: "wait"},
		Config: map[string]any{"duration": "soon"},
	}
	result := h.Execute(context.Background(), sc)
	if result.Kind != handlers.ResultFail || result.Err.Code != domain.ErrInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG failure, got %+v", result)
	}
}

func TestTimerHandler_CancelledByContext(t *testing.T) {
	h := &handlers.TimerHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc := handlers.StepContext{
		Step:   domain.StepDefinition{ID: "wait"},
		Config: map[string]any{"duration": "1h"},
	}
	result := h.Execute(ctx, sc)
	if result.Kind != handlers.ResultFail {
		t.Fatalf("expected a failure on cancelled context, got %+v", result)
	}
}
