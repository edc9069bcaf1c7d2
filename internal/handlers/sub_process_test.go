package handlers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/handlers"
)

type fakeLauncher struct {
	mu       sync.Mutex
	children map[string]*domain.ProcessExecution
	startErr error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{children: make(map[string]*domain.ProcessExecution)}
}

func (f *fakeLauncher) Start(_ context.Context, processName, _ string, _ map[string]any, parentID, parentStep string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	id := processName + "-child"
	f.mu.Lock()
	f.children[id] = &domain.ProcessExecution{ID: id, ProcessName: processName, Status: domain.ExecutionRunning}
	f.mu.Unlock()
	return id, nil
}

func (f *fakeLauncher) Get(_ context.Context, id string) (*domain.ProcessExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[id], nil
}

func (f *fakeLauncher) FindChild(_ context.Context, parentExecutionID, parentStepID string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeLauncher) complete(id string, status domain.ExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[id].Status = status
}

func TestSubProcessHandler_WaitsForChildCompletion(t *testing.T) {
	launcher := newFakeLauncher()
	h := &handlers.SubProcessHandler{Launcher: launcher}

	resultCh := make(chan handlers.Result, 1)
	sc := handlers.StepContext{ExecutionID: "exec-1", Step: domain.StepDefinition{ID: "spawn"}, Config: map[string]any{"process_name": "refund"}}
	go func() { resultCh <- h.Execute(context.Background(), sc) }()

	time.Sleep(10 * time.Millisecond)
	launcher.complete("refund-child", domain.ExecutionCompleted)

	select {
	case result := <-resultCh:
		if result.Kind != handlers.ResultOK {
			t.Fatalf("expected ResultOK, got %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sub_process result")
	}
}

func TestSubProcessHandler_PropagatesChildFailure(t *testing.T) {
	launcher := newFakeLauncher()
	h := &handlers.SubProcessHandler{Launcher: launcher}

	resultCh := make(chan handlers.Result, 1)
	sc := handlers.StepContext{ExecutionID: "exec-2", Step: domain.StepDefinition{ID: "spawn"}, Config: map[string]any{"process_name": "refund"}}
	go func() { resultCh <- h.Execute(context.Background(), sc) }()

	time.Sleep(10 * time.Millisecond)
	launcher.complete("refund-child", domain.ExecutionFailed)

	result := <-resultCh
	if result.Kind != handlers.ResultFail || result.Err.Code != domain.ErrSubProcessFailed {
		t.Fatalf("expected SUB_PROCESS_FAILED, got %+v", result)
	}
}

func TestSubProcessHandler_RequiresProcessName(t *testing.T) {
	h := &handlers.SubProcessHandler{Launcher: newFakeLauncher()}
	result := h.Execute(context.Background(), handlers.StepContext{Step: domain.StepDefinition{ID: "spawn"}})
	if result.Kind != handlers.ResultFail || result.Err.Code != domain.ErrInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG, got %+v", result)
	}
}
