// Package handlers implements the HTTP handlers for the process engine's
// transport layer (C7): definition CRUD/lifecycle, execution control, and
// approval decisions, each a thin wrapper around the validator, store, and
// engine components.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/engine"
	"github.com/forgeflow/process-engine/internal/store"
	"github.com/forgeflow/process-engine/internal/validator"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Validator *validator.Validator
	Engine    *engine.Engine
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, v *validator.Validator, e *engine.Engine) *Handlers {
	return &Handlers{Store: s, Validator: v, Engine: e}
}

// ══════════════════════════════════════════════════════════════
// ── Definitions ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// CreateDefinition validates a raw declarative document and persists it as
// a new draft version.
func (h *Handlers) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result := h.Validator.Validate(raw)
	if !result.OK() {
		respondJSON(w, http.StatusBadRequest, map[string]any{"errors": result.Errors, "warnings": result.Warnings})
		return
	}

	def := result.Definition
	def.ID = domain.NewID()
	def.Status = domain.DefinitionDraft
	def.CreatedAt = time.Now().UTC()
	def.UpdatedAt = def.CreatedAt
	if actor := r.URL.Query().Get("actor"); actor != "" {
		def.CreatedBy = actor
	}

	if err := h.Store.SaveDefinition(r.Context(), def); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("definition", def.Name).Str("id", def.ID).Msg("definition created")
	respondJSON(w, http.StatusCreated, map[string]any{"definition": def, "warnings": result.Warnings})
}

// UpdateDefinition replaces a draft definition's body in place. Published
// or archived definitions are immutable.
func (h *Handlers) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.Store.GetDefinitionByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if existing.Status != domain.DefinitionDraft {
		respondError(w, http.StatusConflict, "only a draft definition may be updated")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	result := h.Validator.Validate(raw)
	if !result.OK() {
		respondJSON(w, http.StatusBadRequest, map[string]any{"errors": result.Errors, "warnings": result.Warnings})
		return
	}

	def := result.Definition
	def.ID = existing.ID
	def.Status = domain.DefinitionDraft
	def.CreatedAt = existing.CreatedAt
	def.CreatedBy = existing.CreatedBy
	def.UpdatedAt = time.Now().UTC()

	if err := h.Store.SaveDefinition(r.Context(), def); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"definition": def, "warnings": result.Warnings})
}

// PublishDefinition transitions a draft definition to published, making it
// eligible to run.
func (h *Handlers) PublishDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	def, err := h.Store.GetDefinitionByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if def.Status != domain.DefinitionDraft {
		respondError(w, http.StatusConflict, "only a draft definition may be published")
		return
	}

	def.Status = domain.DefinitionPublished
	def.UpdatedAt = time.Now().UTC()
	if err := h.Store.SaveDefinition(r.Context(), def); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("definition", def.Name).Str("version", def.Version).Msg("definition published")
	respondJSON(w, http.StatusOK, def)
}

// ArchiveDefinition retires a definition — no new executions may start
// against it, existing runs are unaffected.
func (h *Handlers) ArchiveDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	def, err := h.Store.GetDefinitionByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if def.Status == domain.DefinitionArchived {
		respondError(w, http.StatusConflict, "definition is already archived")
		return
	}

	def.Status = domain.DefinitionArchived
	def.UpdatedAt = time.Now().UTC()
	if err := h.Store.SaveDefinition(r.Context(), def); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

// NewDefinitionVersion clones a definition into a fresh draft carrying the
// next version number, leaving the source version untouched.
func (h *Handlers) NewDefinitionVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	source, err := h.Store.GetDefinitionByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	next := *source
	next.ID = domain.NewID()
	next.Version = nextVersion(source.Version)
	next.Status = domain.DefinitionDraft
	next.Steps = append([]domain.StepDefinition(nil), source.Steps...)
	next.Outputs = append([]domain.Output(nil), source.Outputs...)
	next.Triggers = append([]domain.Trigger(nil), source.Triggers...)
	next.CreatedAt = time.Now().UTC()
	next.UpdatedAt = next.CreatedAt

	if err := h.Store.SaveDefinition(r.Context(), &next); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, next)
}

// nextVersion bumps the minor component of a major.minor version string
// ("1.0" -> "1.1"); a bare integer version bumps directly ("2" -> "3").
func nextVersion(current string) string {
	if i := strings.LastIndex(current, "."); i >= 0 {
		if minor, err := strconv.Atoi(current[i+1:]); err == nil {
			return current[:i+1] + strconv.Itoa(minor+1)
		}
	}
	if n, err := strconv.Atoi(current); err == nil {
		return strconv.Itoa(n + 1)
	}
	return current + ".1"
}

// GetDefinition returns one definition by id.
func (h *Handlers) GetDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	def, err := h.Store.GetDefinitionByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

// ListDefinitions returns definitions matching an optional status filter.
func (h *Handlers) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	filter := store.DefinitionFilter{
		Status: domain.DefinitionStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	defs, err := h.Store.ListDefinitions(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if defs == nil {
		defs = []domain.ProcessDefinition{}
	}
	respondJSON(w, http.StatusOK, defs)
}

// ══════════════════════════════════════════════════════════════
// ── Executions ───────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// StartExecution begins a new run of a published definition.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefinitionID string         `json:"definition_id"`
		Input        map[string]any `json:"input"`
		TriggeredBy  string         `json:"triggered_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DefinitionID == "" {
		respondError(w, http.StatusBadRequest, "definition_id is required")
		return
	}

	def, err := h.Store.GetDefinitionByID(r.Context(), req.DefinitionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	triggeredBy := domain.TriggeredBy(req.TriggeredBy)
	if triggeredBy == "" {
		triggeredBy = domain.TriggeredByAPI
	}

	exec, err := h.Engine.Start(r.Context(), def, req.Input, triggeredBy)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exec)
}

// GetExecution returns one execution by id.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := h.Store.GetExecutionByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// ListExecutions returns executions matching an optional status/definition filter.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		Status:    domain.ExecutionStatus(r.URL.Query().Get("status")),
		ProcessID: r.URL.Query().Get("process_id"),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	execs, err := h.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if execs == nil {
		execs = []domain.ProcessExecution{}
	}
	respondJSON(w, http.StatusOK, execs)
}

// CancelExecution stops a running or paused execution.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req) // reason is optional; an empty body is fine

	if err := h.Engine.Cancel(r.Context(), id, req.Reason); err != nil {
		respondEngineError(w, err)
		return
	}
	exec, err := h.Store.GetExecutionByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// RetryExecution starts a fresh execution linked to a failed one.
func (h *Handlers) RetryExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := h.Engine.Retry(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exec)
}

// ══════════════════════════════════════════════════════════════
// ── Approvals ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// DecideApproval records a human decision and resumes the paused execution.
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Decision string `json:"decision"` // "approved" | "rejected"
		Comment  string `json:"comment"`
		DecidedBy string `json:"decided_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	approval, err := h.Store.GetApproval(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !approval.Pending() {
		respondError(w, http.StatusConflict, "approval already decided")
		return
	}

	switch req.Decision {
	case "approved":
		approval.Status = domain.ApprovalApproved
	case "rejected":
		approval.Status = domain.ApprovalRejected
	default:
		respondError(w, http.StatusBadRequest, "decision must be \"approved\" or \"rejected\"")
		return
	}
	now := time.Now().UTC()
	approval.DecidedAt = &now
	approval.DecidedBy = req.DecidedBy
	approval.DecisionComment = req.Comment

	if err := h.Store.SaveApproval(r.Context(), approval); err != nil {
		respondStoreError(w, err)
		return
	}

	if err := h.Engine.Resume(r.Context(), approval.ExecutionID); err != nil {
		log.Warn().Err(err).Str("execution", approval.ExecutionID).Msg("resume after approval decision failed")
	}
	respondJSON(w, http.StatusOK, approval)
}

// GetApproval returns one approval by id.
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	approval, err := h.Store.GetApproval(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, approval)
}

// ListApprovals returns approvals matching an optional status filter. The
// process_name query parameter is copied into the filter, but neither store
// applies it, so it does not narrow the result.
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := store.ApprovalFilter{
		Status:      domain.ApprovalStatus(r.URL.Query().Get("status")),
		ProcessName: r.URL.Query().Get("process_name"),
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
	}
	approvals, err := h.Store.ListApprovals(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if approvals == nil {
		approvals = []domain.ApprovalRequest{}
	}
	respondJSON(w, http.StatusOK, approvals)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps a store lookup failure to its HTTP status, using
// the domain.Error code when the store returns one.
func respondStoreError(w http.ResponseWriter, err error) {
	respondError(w, statusForCode(domain.CodeOf(err)), err.Error())
}

// respondEngineError maps an engine operation failure to its HTTP status.
func respondEngineError(w http.ResponseWriter, err error) {
	respondError(w, statusForCode(domain.CodeOf(err)), err.Error())
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.ErrNotFound, domain.ErrProcessNotFound:
		return http.StatusNotFound
	case domain.ErrValidation, domain.ErrInvalidConfig:
		return http.StatusBadRequest
	case domain.ErrStateForbidden:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
