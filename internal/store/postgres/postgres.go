// Package postgres implements store.Store on top of PostgreSQL via pgx.
// The aggregate body of each entity is stored as a single JSONB column —
// definitions, executions (including their step_executions map), and
// approvals are always read and written whole, which gives us the "save
// must be atomic for the whole aggregate" contract for free: one UPSERT,
// one row, no partial writes.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a PostgreSQL-backed store.Store implementation. The pool is
// injected by the caller, which owns its lifecycle (creation and Close).
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool. The caller is responsible for
// closing the pool; Store.Close is a no-op over the pool itself.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	return nil
}

// Migrate creates the schema if it does not already exist. Idempotent —
// safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS definitions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	version    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	body       JSONB NOT NULL,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS executions (
	id                  TEXT PRIMARY KEY,
	process_id          TEXT NOT NULL,
	status              TEXT NOT NULL,
	parent_execution_id TEXT,
	started_at          TIMESTAMPTZ NOT NULL,
	body                JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_process_id_idx ON executions (process_id);
CREATE INDEX IF NOT EXISTS executions_parent_id_idx ON executions (parent_execution_id);

CREATE TABLE IF NOT EXISTS approvals (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	step_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	body         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS approvals_execution_id_idx ON approvals (execution_id);
CREATE INDEX IF NOT EXISTS approvals_status_idx ON approvals (status);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// ── Definition Store ────────────────────────────────────────

func (s *Store) SaveDefinition(ctx context.Context, def *domain.ProcessDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("postgres: marshal definition: %w", err)
	}
	const q = `
INSERT INTO definitions (id, name, version, status, created_at, body)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET status = $4, body = $6`
	if _, err := s.pool.Exec(ctx, q, def.ID, def.Name, def.Version, def.Status, def.CreatedAt, body); err != nil {
		return fmt.Errorf("postgres: save definition: %w", err)
	}
	return nil
}

func (s *Store) GetDefinitionByID(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM definitions WHERE id = $1`, id).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, domain.NotFoundError("definition", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get definition: %w", err)
	}
	return unmarshalDefinition(body)
}

func (s *Store) GetDefinitionByName(ctx context.Context, name, version string) (*domain.ProcessDefinition, error) {
	var body []byte
	var err error
	if version != "" {
		err = s.pool.QueryRow(ctx, `SELECT body FROM definitions WHERE name = $1 AND version = $2`, name, version).Scan(&body)
	} else {
		err = s.pool.QueryRow(ctx, `
SELECT body FROM definitions
WHERE name = $1 AND status = $2
ORDER BY version DESC LIMIT 1`, name, domain.DefinitionPublished).Scan(&body)
	}
	if err == pgx.ErrNoRows {
		return nil, domain.NotFoundError("definition", name)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get definition by name: %w", err)
	}
	return unmarshalDefinition(body)
}

func (s *Store) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]domain.ProcessDefinition, error) {
	q := `SELECT body FROM definitions`
	args := []any{}
	if filter.Status != "" {
		q += ` WHERE status = $1`
		args = append(args, filter.Status)
	}
	q += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessDefinition
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan definition: %w", err)
		}
		def, err := unmarshalDefinition(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

func (s *Store) CountDefinitions(ctx context.Context, status domain.DefinitionStatus) (int64, error) {
	var count int64
	var err error
	if status != "" {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM definitions WHERE status = $1`, status).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM definitions`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: count definitions: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundError("definition", id)
	}
	return nil
}

func unmarshalDefinition(body []byte) (*domain.ProcessDefinition, error) {
	var def domain.ProcessDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal definition: %w", err)
	}
	return &def, nil
}

// ── Execution Store ─────────────────────────────────────────

func (s *Store) SaveExecution(ctx context.Context, exec *domain.ProcessExecution) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("postgres: marshal execution: %w", err)
	}
	const q = `
INSERT INTO executions (id, process_id, status, parent_execution_id, started_at, body)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET status = $3, body = $6`
	var parentID any
	if exec.ParentExecutionID != "" {
		parentID = exec.ParentExecutionID
	}
	if _, err := s.pool.Exec(ctx, q, exec.ID, exec.ProcessID, exec.Status, parentID, exec.StartedAt, body); err != nil {
		return fmt.Errorf("postgres: save execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecutionByID(ctx context.Context, id string) (*domain.ProcessExecution, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM executions WHERE id = $1`, id).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, domain.NotFoundError("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get execution: %w", err)
	}
	return unmarshalExecution(body)
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]domain.ProcessExecution, error) {
	q := `SELECT body FROM executions WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.ProcessID != "" {
		args = append(args, filter.ProcessID)
		q += fmt.Sprintf(` AND process_id = $%d`, len(args))
	}
	q += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessExecution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		exec, err := unmarshalExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func (s *Store) ListExecutionsByParent(ctx context.Context, parentID string) ([]domain.ProcessExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM executions WHERE parent_execution_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions by parent: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessExecution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		exec, err := unmarshalExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func unmarshalExecution(body []byte) (*domain.ProcessExecution, error) {
	var exec domain.ProcessExecution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal execution: %w", err)
	}
	return &exec, nil
}

// ── Approval Store ──────────────────────────────────────────

func (s *Store) SaveApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("postgres: marshal approval: %w", err)
	}
	const q = `
INSERT INTO approvals (id, execution_id, step_id, status, created_at, body)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET status = $4, body = $6`
	if _, err := s.pool.Exec(ctx, q, req.ID, req.ExecutionID, req.StepID, req.Status, req.CreatedAt, body); err != nil {
		return fmt.Errorf("postgres: save approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM approvals WHERE id = $1`, id).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, domain.NotFoundError("approval", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get approval: %w", err)
	}
	return unmarshalApproval(body)
}

func (s *Store) GetApprovalByExecutionStep(ctx context.Context, executionID, stepID string) (*domain.ApprovalRequest, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
SELECT body FROM approvals WHERE execution_id = $1 AND step_id = $2
ORDER BY created_at DESC LIMIT 1`, executionID, stepID).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, domain.NotFoundError("approval", executionID+":"+stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get approval by execution/step: %w", err)
	}
	return unmarshalApproval(body)
}

func (s *Store) ListPendingApprovalsFor(ctx context.Context, user string) ([]domain.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM approvals WHERE status = $1`, domain.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.ApprovalRequest
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		req, err := unmarshalApproval(body)
		if err != nil {
			return nil, err
		}
		if user != "" && len(req.Assignees) > 0 && !containsStr(req.Assignees, user) {
			continue
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (s *Store) ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	q := `SELECT body FROM approvals`
	args := []any{}
	if filter.Status != "" {
		q += ` WHERE status = $1`
		args = append(args, filter.Status)
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.ApprovalRequest
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		req, err := unmarshalApproval(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func unmarshalApproval(body []byte) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal approval: %w", err)
	}
	return &req, nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)
