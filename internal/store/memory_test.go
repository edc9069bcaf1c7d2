package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/store"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("PROCESS_ENGINE_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStore_DefinitionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &domain.ProcessDefinition{
		ID:        domain.NewID(),
		Name:      "onboarding",
		Version:   "1.0",
		Status:    domain.DefinitionDraft,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("SaveDefinition: %v", err)
	}

	got, err := s.GetDefinitionByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetDefinitionByID: %v", err)
	}
	if got.Name != "onboarding" {
		t.Errorf("Name = %q, want onboarding", got.Name)
	}

	if _, err := s.GetDefinitionByID(ctx, "missing"); err == nil {
		t.Error("expected NOT_FOUND for missing definition")
	} else if domain.CodeOf(err) != domain.ErrNotFound {
		t.Errorf("code = %v, want NOT_FOUND", domain.CodeOf(err))
	}
}

func TestMemoryStore_GetDefinitionByName_LatestPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &domain.ProcessDefinition{ID: domain.NewID(), Name: "billing", Version: "1.0", Status: domain.DefinitionPublished}
	newer := &domain.ProcessDefinition{ID: domain.NewID(), Name: "billing", Version: "2.0", Status: domain.DefinitionPublished}
	draft := &domain.ProcessDefinition{ID: domain.NewID(), Name: "billing", Version: "3.0", Status: domain.DefinitionDraft}

	for _, d := range []*domain.ProcessDefinition{old, newer, draft} {
		if err := s.SaveDefinition(ctx, d); err != nil {
			t.Fatalf("SaveDefinition: %v", err)
		}
	}

	got, err := s.GetDefinitionByName(ctx, "billing", "")
	if err != nil {
		t.Fatalf("GetDefinitionByName: %v", err)
	}
	if got.Version != "2.0" {
		t.Errorf("latest published version = %q, want 2.0", got.Version)
	}
}

func TestMemoryStore_ExecutionSaveIsDeepCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := &domain.ProcessExecution{
		ID:     domain.NewID(),
		Status: domain.ExecutionRunning,
		StepExecutions: map[string]*domain.StepExecution{
			"a": {StepID: "a", Status: domain.StepRunning},
		},
	}
	if err := s.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	// Mutating the caller's struct after save must not affect the stored copy.
	exec.StepExecutions["a"].Status = domain.StepCompleted

	got, err := s.GetExecutionByID(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecutionByID: %v", err)
	}
	if got.StepExecutions["a"].Status != domain.StepRunning {
		t.Errorf("stored step status = %v, want %v (aggregate must be saved atomically)", got.StepExecutions["a"].Status, domain.StepRunning)
	}
}

func TestMemoryStore_ApprovalByExecutionStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &domain.ApprovalRequest{
		ID:          domain.NewID(),
		ExecutionID: "exec-1",
		StepID:      "approve",
		Status:      domain.ApprovalPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SaveApproval(ctx, req); err != nil {
		t.Fatalf("SaveApproval: %v", err)
	}

	got, err := s.GetApprovalByExecutionStep(ctx, "exec-1", "approve")
	if err != nil {
		t.Fatalf("GetApprovalByExecutionStep: %v", err)
	}
	if got.ID != req.ID {
		t.Errorf("got ID %q, want %q", got.ID, req.ID)
	}
}

func TestMemoryStore_SnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PROCESS_ENGINE_DATA_DIR", dir)

	s1 := store.NewMemoryStore()
	ctx := context.Background()
	def := &domain.ProcessDefinition{ID: domain.NewID(), Name: "restart-test", Version: "1.0", Status: domain.DefinitionPublished}
	if err := s1.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("SaveDefinition: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := store.NewMemoryStore()
	defer s2.Close()
	got, err := s2.GetDefinitionByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetDefinitionByID after restart: %v", err)
	}
	if got.Name != "restart-test" {
		t.Errorf("Name = %q after restart, want restart-test", got.Name)
	}
}
