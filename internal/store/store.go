// Package store provides the persistence interfaces for the Process Engine
// and an in-memory implementation. A PostgreSQL-backed implementation lives
// in the postgres subpackage. All handler and engine code depends on the
// Store interface, making it easy to swap backends between tests and
// production, exactly as the control-plane store.Store the engine's
// scheduler was adapted from.
package store

import (
	"context"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
)

// Store is the primary storage interface for the Process Engine. It
// composes the three narrow per-aggregate stores the spec calls out, plus
// lifecycle hooks every backend must support.
type Store interface {
	DefinitionStore
	ExecutionStore
	ApprovalStore

	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// ── Definition Store ────────────────────────────────────────

// DefinitionFilter narrows a definition listing.
type DefinitionFilter struct {
	Status domain.DefinitionStatus
	Limit  int
	Offset int
}

// DefinitionStore persists ProcessDefinition aggregates.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *domain.ProcessDefinition) error
	GetDefinitionByID(ctx context.Context, id string) (*domain.ProcessDefinition, error)

	// GetDefinitionByName returns the definition with the given name. When
	// version is empty it returns the latest published version; otherwise
	// the exact (name, version) pair.
	GetDefinitionByName(ctx context.Context, name, version string) (*domain.ProcessDefinition, error)

	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]domain.ProcessDefinition, error)
	CountDefinitions(ctx context.Context, status domain.DefinitionStatus) (int64, error)
	DeleteDefinition(ctx context.Context, id string) error
}

// ── Execution Store ─────────────────────────────────────────

// ExecutionFilter narrows an execution listing.
type ExecutionFilter struct {
	Status    domain.ExecutionStatus
	ProcessID string
	Limit     int
	Offset    int
}

// ExecutionStore persists ProcessExecution aggregates. Save must be atomic
// for the whole aggregate — a crash must never observe a half-written
// execution (step_executions map included).
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *domain.ProcessExecution) error
	GetExecutionByID(ctx context.Context, id string) (*domain.ProcessExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ProcessExecution, error)
	ListExecutionsByParent(ctx context.Context, parentID string) ([]domain.ProcessExecution, error)
}

// ── Approval Store ──────────────────────────────────────────

// ApprovalFilter narrows an approval listing.
type ApprovalFilter struct {
	Status      domain.ApprovalStatus
	ProcessName string
	Limit       int
	Offset      int
}

// ApprovalStore persists ApprovalRequest entities. At most one non-terminal
// (pending) request may exist per (execution_id, step_id) pair.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, req *domain.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	GetApprovalByExecutionStep(ctx context.Context, executionID, stepID string) (*domain.ApprovalRequest, error)
	ListPendingApprovalsFor(ctx context.Context, user string) ([]domain.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRequest, error)
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options shared by callers
// that don't need a type-specific filter struct.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
