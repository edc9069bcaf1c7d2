package resolver_test

import (
	"testing"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/resolver"
)

func linearDefinition() *domain.ProcessDefinition {
	return &domain.ProcessDefinition{
		Name: "linear",
		Steps: []domain.StepDefinition{
			{ID: "a"},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"b"}},
		},
	}
}

func TestGetReadySteps_OnlyUnblockedPending(t *testing.T) {
	def := linearDefinition()
	exec := domain.NewExecution(def, nil, domain.TriggeredByManual)
	r := resolver.New()

	ready := r.GetReadySteps(def, exec, nil)
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only step a ready, got %+v", ready)
	}

	exec.StepExecutions["a"].Status = domain.StepCompleted
	ready = r.GetReadySteps(def, exec, nil)
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected only step b ready, got %+v", ready)
	}
}

func TestGetReadySteps_SkippedSatisfiesDependents(t *testing.T) {
	def := linearDefinition()
	exec := domain.NewExecution(def, nil, domain.TriggeredByManual)
	exec.StepExecutions["a"].Status = domain.StepSkipped

	r := resolver.New()
	ready := r.GetReadySteps(def, exec, nil)
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected step b ready after a was skipped, got %+v", ready)
	}
}

func TestGetReadySteps_OverrideForcesReadiness(t *testing.T) {
	def := linearDefinition()
	exec := domain.NewExecution(def, nil, domain.TriggeredByManual)

	r := resolver.New()
	ready := r.GetReadySteps(def, exec, map[string]bool{"c": true})
	ids := map[string]bool{}
	for _, s := range ready {
		ids[s.ID] = true
	}
	if !ids["a"] || !ids["c"] {
		t.Fatalf("expected a and c ready with override, got %+v", ready)
	}
}

func TestIsComplete(t *testing.T) {
	def := linearDefinition()
	exec := domain.NewExecution(def, nil, domain.TriggeredByManual)
	r := resolver.New()

	if r.IsComplete(exec) {
		t.Fatal("fresh execution should not be complete")
	}
	for _, se := range exec.StepExecutions {
		se.Status = domain.StepCompleted
	}
	if !r.IsComplete(exec) {
		t.Fatal("execution with all steps completed should be complete")
	}
}

func TestHasFailedSteps(t *testing.T) {
	def := linearDefinition()
	exec := domain.NewExecution(def, nil, domain.TriggeredByManual)
	r := resolver.New()

	if r.HasFailedSteps(exec) {
		t.Fatal("fresh execution should have no failed steps")
	}
	exec.StepExecutions["b"].Status = domain.StepFailed
	if !r.HasFailedSteps(exec) {
		t.Fatal("expected HasFailedSteps to report true")
	}
}

func TestTopologicalOrder_RespectsDependencies(t *testing.T) {
	def := linearDefinition()
	r := resolver.New()
	order := r.TopologicalOrder(def)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("expected order a,b,c, got %v", order)
	}
}

func TestParallelLevels_GroupsFanOut(t *testing.T) {
	def := &domain.ProcessDefinition{
		Name: "fanout",
		Steps: []domain.StepDefinition{
			{ID: "a"},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"a"}},
			{ID: "d", Dependencies: []string{"b", "c"}},
		},
	}
	r := resolver.New()
	levels := r.ParallelLevels(def)
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(levels), levels)
	}
	if len(levels[1]) != 2 {
		t.Fatalf("expected level 1 to contain b and c, got %v", levels[1])
	}
}
