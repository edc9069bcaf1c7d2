package engine

import (
	"context"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/store"
)

// Launcher adapts an Engine into handlers.SubProcessLauncher, letting a
// sub_process step recurse into the same scheduler that's running its
// parent. It is constructed before the Engine (the handler registry the
// Engine needs is built from handlers that need a Launcher) and bound to
// it afterward via Bind, breaking the construction cycle.
type Launcher struct {
	definitions store.DefinitionStore
	executions  store.ExecutionStore
	engine      *Engine
}

// NewLauncher builds an unbound Launcher. Call Bind once the owning Engine
// exists.
func NewLauncher(definitions store.DefinitionStore, executions store.ExecutionStore) *Launcher {
	return &Launcher{definitions: definitions, executions: executions}
}

// Bind attaches the Engine that will actually run child executions.
func (l *Launcher) Bind(e *Engine) {
	l.engine = e
}

// Start implements handlers.SubProcessLauncher. An empty version resolves
// to the latest published version of processName; a definition that is
// missing or not published surfaces as PROCESS_NOT_FOUND.
func (l *Launcher) Start(ctx context.Context, processName, version string, input map[string]any, parentExecutionID, parentStepID string) (string, error) {
	def, err := l.definitions.GetDefinitionByName(ctx, processName, version)
	if err != nil {
		return "", domain.NewError(domain.ErrProcessNotFound, "process %q: %v", processName, err)
	}
	if def.Status != domain.DefinitionPublished {
		return "", domain.NewError(domain.ErrProcessNotFound, "process %q is not published", processName)
	}
	exec, err := l.engine.StartChild(ctx, def, input, parentExecutionID, parentStepID)
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// Get implements handlers.SubProcessLauncher.
func (l *Launcher) Get(ctx context.Context, childExecutionID string) (*domain.ProcessExecution, error) {
	return l.executions.GetExecutionByID(ctx, childExecutionID)
}

// FindChild implements handlers.SubProcessLauncher by scanning the
// parent's already-linked children for one started from parentStepID —
// consulted on re-dispatch so a resumed sub_process step polls its
// existing child instead of starting a second one.
func (l *Launcher) FindChild(ctx context.Context, parentExecutionID, parentStepID string) (string, bool, error) {
	children, err := l.executions.ListExecutionsByParent(ctx, parentExecutionID)
	if err != nil {
		return "", false, err
	}
	for _, c := range children {
		if c.ParentStepID == parentStepID {
			return c.ID, true, nil
		}
	}
	return "", false, nil
}
