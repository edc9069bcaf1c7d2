package handlers

import (
	"context"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/eventbus"
	"github.com/forgeflow/process-engine/internal/store"
)

// HumanApprovalHandler pauses a step on a durable ApprovalRequest rather
// than blocking a goroutine: Execute never sleeps. On first dispatch it
// persists a pending request and returns Wait — the engine parks the whole
// execution. On re-dispatch, after the external decide operation (or a
// deadline poll) has resolved the request, it returns ok or
// fail(APPROVAL_REJECTED|APPROVAL_TIMEOUT). Adapted from executeHumanGate/
// resolveGate, whose in-memory gate channel is replaced by the store as
// the single source of truth so the engine can suspend and resume an
// execution across the approval wait without holding a live goroutine.
type HumanApprovalHandler struct {
	Approvals store.ApprovalStore
	Bus       *eventbus.Bus
}

// Type implements StepHandler.
func (h *HumanApprovalHandler) Type() domain.StepType { return domain.StepHumanApproval }

// Execute implements StepHandler.
func (h *HumanApprovalHandler) Execute(ctx context.Context, sc StepContext) Result {
	existing, err := h.Approvals.GetApprovalByExecutionStep(ctx, sc.ExecutionID, sc.Step.ID)
	if err == nil {
		return h.evaluate(ctx, sc, existing)
	}
	if domain.CodeOf(err) != domain.ErrNotFound {
		return Fail(domain.ErrInternal, "human_approval %q: load approval: %v", sc.Step.ID, err)
	}

	var assignees []string
	if raw, ok := sc.Config["assignees"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				assignees = append(assignees, s)
			}
		}
	}
	title, _ := sc.Config["title"].(string)
	description, _ := sc.Config["description"].(string)

	// The approval SLA comes from the step config's own timeout field (the
	// common step-level timeout bounds handler runtime, which for this
	// handler is near-zero). When the config has no timeout, the step-level
	// timeout is used if set, and 24h otherwise.
	timeout := 24 * time.Hour
	if raw, ok := sc.Config["timeout"].(string); ok && raw != "" {
		if d, ok := parseTimerSpan(raw); ok {
			timeout = d
		}
	} else if sc.Step.Timeout > 0 {
		timeout = sc.Step.Timeout
	}
	deadline := time.Now().UTC().Add(timeout)

	req := &domain.ApprovalRequest{
		ID:          domain.NewID(),
		ExecutionID: sc.ExecutionID,
		StepID:      sc.Step.ID,
		Title:       title,
		Description: description,
		Assignees:   assignees,
		Status:      domain.ApprovalPending,
		Deadline:    &deadline,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Approvals.SaveApproval(ctx, req); err != nil {
		return Fail(domain.ErrInternal, "human_approval %q: persist approval: %v", sc.Step.ID, err)
	}

	h.Bus.Publish(ctx, eventbus.New(eventbus.EventApprovalRequested, sc.ExecutionID, sc.ProcessName, map[string]any{
		"step_id": sc.Step.ID, "approval_id": req.ID, "assignees": assignees, "title": title,
	}))

	return Wait(map[string]any{"approval_id": req.ID, "title": title})
}

// evaluate handles a re-dispatch: the approval record already exists.
func (h *HumanApprovalHandler) evaluate(ctx context.Context, sc StepContext, req *domain.ApprovalRequest) Result {
	if req.Status == domain.ApprovalPending {
		if req.Deadline != nil && time.Now().UTC().After(*req.Deadline) {
			now := time.Now().UTC()
			req.Status = domain.ApprovalExpired
			req.DecidedAt = &now
			h.Approvals.SaveApproval(ctx, req)
			h.Bus.Publish(ctx, eventbus.New(eventbus.EventApprovalDecided, sc.ExecutionID, sc.ProcessName, map[string]any{
				"step_id": sc.Step.ID, "approval_id": req.ID, "status": "expired",
			}))
			return Fail(domain.ErrApprovalTimeout, "human_approval %q: SLA deadline passed", sc.Step.ID)
		}
		return Wait(map[string]any{"approval_id": req.ID, "title": req.Title})
	}

	switch req.Status {
	case domain.ApprovalApproved:
		h.publishDecided(ctx, sc, req, "approved")
		return OK(map[string]any{
			"approval_id": req.ID,
			"decision":    "approved",
			"decided_by":  req.DecidedBy,
			"comment":     req.DecisionComment,
		})
	case domain.ApprovalRejected:
		h.publishDecided(ctx, sc, req, "rejected")
		return Fail(domain.ErrApprovalRejected, "human_approval %q: rejected by %s", sc.Step.ID, req.DecidedBy)
	case domain.ApprovalExpired:
		return Fail(domain.ErrApprovalTimeout, "human_approval %q: expired", sc.Step.ID)
	default:
		return Fail(domain.ErrUnexpectedState, "human_approval %q: unexpected approval status %s", sc.Step.ID, req.Status)
	}
}

func (h *HumanApprovalHandler) publishDecided(ctx context.Context, sc StepContext, req *domain.ApprovalRequest, decision string) {
	h.Bus.Publish(ctx, eventbus.New(eventbus.EventApprovalDecided, sc.ExecutionID, sc.ProcessName, map[string]any{
		"step_id":     sc.Step.ID,
		"approval_id": req.ID,
		"status":      decision,
		"decided_by":  req.DecidedBy,
		"comment":     req.DecisionComment,
	}))
}
