// Package resolver implements the DependencyResolver (spec §4.5): a pure,
// stateless scan over a (definition, execution) pair that tells the engine
// which steps are ready to dispatch, which are still running or waiting on
// an approval, and whether every step has finished and whether any has
// failed. Deadlock detection is not done here; the engine does it. It has
// no direct teacher equivalent — the control-plane
// engine inlines an equivalent ready-step scan at the top of executeAsync
// — so this package generalizes that inline loop into an independently
// testable component, matching the teacher's own convention of giving the
// scheduler's pure-decision logic (there: ingredient resolution) its own
// package.
package resolver

import (
	"sort"

	"github.com/forgeflow/process-engine/internal/domain"
)

// Resolver computes scheduling decisions over a ProcessDefinition and its
// current ProcessExecution. It holds no state of its own.
type Resolver struct{}

// New builds a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// GetReadySteps returns, in step-definition order, every step whose status
// is pending and whose dependencies are all satisfied (completed or
// skipped — see DESIGN.md's Open Question decision). overrides marks step
// ids that a goto_step redirect has forced ready regardless of their own
// declared dependencies.
func (r *Resolver) GetReadySteps(def *domain.ProcessDefinition, exec *domain.ProcessExecution, overrides map[string]bool) []domain.StepDefinition {
	var ready []domain.StepDefinition
	for _, sd := range def.Steps {
		se := exec.StepExecutions[sd.ID]
		if se == nil || se.Status != domain.StepPending {
			continue
		}
		if overrides[sd.ID] {
			ready = append(ready, sd)
			continue
		}
		if r.dependenciesSatisfied(exec, sd.Dependencies) {
			ready = append(ready, sd)
		}
	}
	return ready
}

func (r *Resolver) dependenciesSatisfied(exec *domain.ProcessExecution, deps []string) bool {
	for _, dep := range deps {
		se := exec.StepExecutions[dep]
		if se == nil || !se.Status.Satisfied() {
			return false
		}
	}
	return true
}

// GetRunningSteps returns every step currently running.
func (r *Resolver) GetRunningSteps(exec *domain.ProcessExecution) []*domain.StepExecution {
	return r.filter(exec, func(s *domain.StepExecution) bool {
		return s.Status == domain.StepRunning
	})
}

// GetWaitingSteps returns every step parked in waiting_approval.
func (r *Resolver) GetWaitingSteps(exec *domain.ProcessExecution) []*domain.StepExecution {
	return r.filter(exec, func(s *domain.StepExecution) bool {
		return s.Status == domain.StepWaitingApproval
	})
}

func (r *Resolver) filter(exec *domain.ProcessExecution, pred func(*domain.StepExecution) bool) []*domain.StepExecution {
	ids := make([]string, 0, len(exec.StepExecutions))
	for id := range exec.StepExecutions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*domain.StepExecution
	for _, id := range ids {
		se := exec.StepExecutions[id]
		if pred(se) {
			out = append(out, se)
		}
	}
	return out
}

// IsComplete reports whether every step in the execution has reached a
// terminal status (completed, failed, or skipped).
func (r *Resolver) IsComplete(exec *domain.ProcessExecution) bool {
	for _, se := range exec.StepExecutions {
		if !se.Status.Terminal() {
			return false
		}
	}
	return true
}

// HasFailedSteps reports whether any step in the execution has failed.
func (r *Resolver) HasFailedSteps(exec *domain.ProcessExecution) bool {
	for _, se := range exec.StepExecutions {
		if se.Status == domain.StepFailed {
			return true
		}
	}
	return false
}

// TopologicalOrder returns the definition's step ids in dependency order
// via Kahn's algorithm, the same algorithm the validator uses to detect
// cycles. Callers that already know the graph is acyclic (post-validation)
// can rely on the returned order being total.
func (r *Resolver) TopologicalOrder(def *domain.ProcessDefinition) []string {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for _, s := range def.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				queue = append(queue, n)
				sort.Strings(queue)
			}
		}
	}
	return order
}

// ParallelLevels groups topologically-ordered steps into levels where
// every step in a level has all its dependencies in earlier levels — used
// for analytics (estimating parallel-execution speedup), not scheduling.
func (r *Resolver) ParallelLevels(def *domain.ProcessDefinition) [][]string {
	level := make(map[string]int, len(def.Steps))
	byID := make(map[string]domain.StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		byID[s.ID] = s
	}
	order := r.TopologicalOrder(def)
	for _, id := range order {
		max := -1
		for _, dep := range byID[id].Dependencies {
			if level[dep] > max {
				max = level[dep]
			}
		}
		level[id] = max + 1
	}

	var levels [][]string
	for _, id := range order {
		l := level[id]
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}
