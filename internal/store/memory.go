// In-memory Store implementation. Used as the zero-config default and in
// tests; falls back from PostgreSQL when no DATABASE_URL is configured.
// Supports file-based snapshot persistence so state survives restarts,
// adapted from the control-plane's debounced-save MemoryStore pattern.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Definitions map[string]*domain.ProcessDefinition `json:"definitions"`
	Executions  map[string]*domain.ProcessExecution  `json:"executions"`
	Approvals   map[string]*domain.ApprovalRequest    `json:"approvals"`
}

// MemoryStore implements Store with in-memory maps guarded by one mutex.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*domain.ProcessDefinition // key: id
	executions  map[string]*domain.ProcessExecution  // key: id
	approvals   map[string]*domain.ApprovalRequest    // key: id

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewMemoryStore creates a new in-memory store. If PROCESS_ENGINE_DATA_DIR
// is set, data is persisted to a JSON file in that directory; otherwise
// defaults to ~/.process-engine/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		definitions: make(map[string]*domain.ProcessDefinition),
		executions:  make(map[string]*domain.ProcessExecution),
		approvals:   make(map[string]*domain.ApprovalRequest),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	dataDir := os.Getenv("PROCESS_ENGINE_DATA_DIR")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".process-engine")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{Definitions: m.definitions, Executions: m.executions, Approvals: m.approvals}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("no snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Definitions != nil {
		m.definitions = snap.Definitions
	}
	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Approvals != nil {
		m.approvals = snap.Approvals
	}
	log.Info().
		Int("definitions", len(m.definitions)).
		Int("executions", len(m.executions)).
		Int("approvals", len(m.approvals)).
		Msg("snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		log.Info().Msg("flushing final snapshot before shutdown")
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Definition Store ────────────────────────────────────────

func (m *MemoryStore) SaveDefinition(_ context.Context, def *domain.ProcessDefinition) error {
	m.mu.Lock()
	cp := *def
	m.definitions[def.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetDefinitionByID(_ context.Context, id string) (*domain.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, domain.NotFoundError("definition", id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetDefinitionByName(_ context.Context, name, version string) (*domain.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*domain.ProcessDefinition
	for _, d := range m.definitions {
		if d.Name != name {
			continue
		}
		if version != "" {
			if d.Version == version {
				cp := *d
				return &cp, nil
			}
			continue
		}
		if d.Status == domain.DefinitionPublished {
			candidates = append(candidates, d)
		}
	}
	if version != "" {
		return nil, domain.NotFoundError("definition", name+"@"+version)
	}
	if len(candidates) == 0 {
		return nil, domain.NotFoundError("definition", name)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Version > candidates[j].Version })
	cp := *candidates[0]
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]domain.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.ProcessDefinition
	for _, d := range m.definitions {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) CountDefinitions(_ context.Context, status domain.DefinitionStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, d := range m.definitions {
		if status == "" || d.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return domain.NotFoundError("definition", id)
	}
	delete(m.definitions, id)
	m.requestSave()
	return nil
}

// ── Execution Store ─────────────────────────────────────────

func (m *MemoryStore) SaveExecution(_ context.Context, exec *domain.ProcessExecution) error {
	m.mu.Lock()
	cp := *exec
	cp.StepExecutions = make(map[string]*domain.StepExecution, len(exec.StepExecutions))
	for k, v := range exec.StepExecutions {
		stepCopy := *v
		cp.StepExecutions[k] = &stepCopy
	}
	m.executions[exec.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetExecutionByID(_ context.Context, id string) (*domain.ProcessExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, domain.NotFoundError("execution", id)
	}
	return cloneExecution(e), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]domain.ProcessExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.ProcessExecution
	for _, e := range m.executions {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.ProcessID != "" && e.ProcessID != filter.ProcessID {
			continue
		}
		result = append(result, *cloneExecution(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) ListExecutionsByParent(_ context.Context, parentID string) ([]domain.ProcessExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.ProcessExecution
	for _, e := range m.executions {
		if e.ParentExecutionID == parentID {
			result = append(result, *cloneExecution(e))
		}
	}
	return result, nil
}

func cloneExecution(e *domain.ProcessExecution) *domain.ProcessExecution {
	cp := *e
	cp.StepExecutions = make(map[string]*domain.StepExecution, len(e.StepExecutions))
	for k, v := range e.StepExecutions {
		stepCopy := *v
		cp.StepExecutions[k] = &stepCopy
	}
	return &cp
}

// ── Approval Store ──────────────────────────────────────────

func (m *MemoryStore) SaveApproval(_ context.Context, req *domain.ApprovalRequest) error {
	m.mu.Lock()
	cp := *req
	m.approvals[req.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, domain.NotFoundError("approval", id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetApprovalByExecutionStep(_ context.Context, executionID, stepID string) (*domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.ApprovalRequest
	for _, a := range m.approvals {
		if a.ExecutionID != executionID || a.StepID != stepID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, domain.NotFoundError("approval", executionID+":"+stepID)
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListPendingApprovalsFor(_ context.Context, user string) ([]domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.ApprovalRequest
	for _, a := range m.approvals {
		if a.Status != domain.ApprovalPending {
			continue
		}
		if user != "" && len(a.Assignees) > 0 && !containsStr(a.Assignees, user) {
			continue
		}
		result = append(result, *a)
	}
	return result, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.ApprovalRequest
	for _, a := range m.approvals {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return paginate(result, filter.Offset, filter.Limit), nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
