package handlers

import (
	"context"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
)

const subProcessPollInterval = 2 * time.Second

// SubProcessLauncher starts and observes a child execution on behalf of a
// sub_process step. There is no direct teacher equivalent — the
// control-plane workflow engine has no concept of nested recipe runs — so
// this component is grounded on the engine's own top-level ExecuteRecipe/
// GetRun operations, reused recursively: starting a sub-process is simply
// starting another execution with parent linkage set.
type SubProcessLauncher interface {
	// Start launches the named (processName, version) definition as a
	// child execution. An empty version resolves to the latest published
	// version, matching the wire format's optional `version` field.
	Start(ctx context.Context, processName, version string, input map[string]any, parentExecutionID, parentStepID string) (childExecutionID string, err error)
	Get(ctx context.Context, childExecutionID string) (*domain.ProcessExecution, error)

	// FindChild returns the child execution already started for this
	// (parentExecutionID, parentStepID) pair, if any. Consulted on
	// re-dispatch after a resume so a sub_process step whose child itself
	// paused for approval polls the same child rather than starting a
	// second one.
	FindChild(ctx context.Context, parentExecutionID, parentStepID string) (childExecutionID string, found bool, err error)
}

// SubProcessHandler starts a child process execution (or finds the one
// already started for this step) and blocks, polling every
// subProcessPollInterval, until the child completes, fails or is
// cancelled. A child that pauses makes Execute return Wait, so the parent
// step is parked and re-dispatched like a human_approval step; unlike
// HumanApprovalHandler, which never blocks, this handler holds its
// goroutine while the child runs.
type SubProcessHandler struct {
	Launcher SubProcessLauncher
}

// Type implements StepHandler.
func (h *SubProcessHandler) Type() domain.StepType { return domain.StepSubProcess }

// Execute implements StepHandler.
func (h *SubProcessHandler) Execute(ctx context.Context, sc StepContext) Result {
	processName, _ := sc.Config["process_name"].(string)
	if processName == "" {
		return Fail(domain.ErrInvalidConfig, "sub_process %q: process_name is required", sc.Step.ID)
	}
	version, _ := sc.Config["version"].(string)

	// input_mapping's values are template expressions, already rendered by
	// the engine's RenderMap before Execute ran. An empty (or absent)
	// mapping passes the parent's own input_data through unchanged.
	input := sc.Scope.Input
	if mapping, ok := sc.Config["input_mapping"].(map[string]any); ok && len(mapping) > 0 {
		input = mapping
	}

	childID, found, err := h.Launcher.FindChild(ctx, sc.ExecutionID, sc.Step.ID)
	if err != nil {
		return Fail(domain.ErrInternal, "sub_process %q: find child: %v", sc.Step.ID, err)
	}
	if !found {
		childID, err = h.Launcher.Start(ctx, processName, version, input, sc.ExecutionID, sc.Step.ID)
		if err != nil {
			return Fail(domain.ErrProcessNotFound, "sub_process %q: start %q: %v", sc.Step.ID, processName, err)
		}
	}

	if wait, ok := sc.Config["wait_for_completion"].(bool); ok && !wait {
		return OK(map[string]any{"child_execution_id": childID, "child_process_name": processName})
	}

	ticker := time.NewTicker(subProcessPollInterval)
	defer ticker.Stop()

	for {
		if result, done := h.observe(ctx, sc, childID); done {
			return result
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Fail(domain.ErrUnexpectedState, "sub_process %q: cancelled while child %s ran", sc.Step.ID, childID)
		}
	}
}

// observe checks the child once; done is false while the child is still
// running.
func (h *SubProcessHandler) observe(ctx context.Context, sc StepContext, childID string) (Result, bool) {
	child, err := h.Launcher.Get(ctx, childID)
	if err != nil || child == nil {
		return Result{}, false
	}
	switch child.Status {
	case domain.ExecutionCompleted:
		outputKey, _ := sc.Config["output_key"].(string)
		if outputKey == "" {
			outputKey = "result"
		}
		return OK(map[string]any{
			outputKey:                child.OutputData,
			"child_execution_id":     childID,
			"child_process_name":     child.ProcessName,
			"child_process_version":  child.ProcessVersion,
			"child_duration_seconds": childDurationSeconds(child),
			"child_cost":             child.TotalCost,
			"_cost":                  child.TotalCost,
		}), true
	case domain.ExecutionFailed:
		return Fail(domain.ErrSubProcessFailed, "sub_process %q: child %s failed: %s", sc.Step.ID, childID, child.ErrorMessage), true
	case domain.ExecutionCancelled:
		return Fail(domain.ErrSubProcessFailed, "sub_process %q: child %s was cancelled", sc.Step.ID, childID), true
	case domain.ExecutionPaused:
		return Wait(map[string]any{
			"child_execution_id": childID,
			"waiting_reason":     "child waiting for approval",
		}), true
	}
	return Result{}, false
}

// childDurationSeconds reports the wall-clock runtime of a terminal child
// execution, or 0 if it never completed.
func childDurationSeconds(child *domain.ProcessExecution) float64 {
	if child.CompletedAt == nil {
		return 0
	}
	return child.CompletedAt.Sub(child.StartedAt).Seconds()
}
