// Package handlers implements the Process Engine's six step handlers
// (C5): agent_task, human_approval, gateway, timer, notification, and
// sub_process. Each adapts the corresponding executeXStep method from the
// control-plane's workflow engine, generalized behind one uniform
// StepHandler contract so the scheduler (internal/engine) can dispatch
// without a type switch of its own.
package handlers

import (
	"context"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/expression"
)

// ResultKind is the outcome category of a step execution attempt.
type ResultKind string

const (
	// ResultOK — the step finished; Output holds its produced values.
	ResultOK ResultKind = "ok"
	// ResultFail — the step failed; Err carries the classified error.
	ResultFail ResultKind = "fail"
	// ResultWait — the step is paused awaiting an external event (human
	// decision, child sub-process completion). The engine parks it and
	// calls Execute again only after the execution is resumed, rather than
	// re-invoking it in a loop.
	ResultWait ResultKind = "wait"
)

// Result is what every StepHandler.Execute call returns.
type Result struct {
	Kind    ResultKind
	Output  map[string]any
	Err     *domain.Error
	Waiting map[string]any // present only when Kind == ResultWait
}

// OK builds a successful Result.
func OK(output map[string]any) Result {
	return Result{Kind: ResultOK, Output: output}
}

// Fail builds a failed Result with a classified error code.
func Fail(code domain.ErrorCode, format string, args ...any) Result {
	return Result{Kind: ResultFail, Err: domain.NewError(code, format, args...)}
}

// Wait builds a paused Result carrying whatever context the caller will
// need to resume the step later (e.g. an approval id).
func Wait(payload map[string]any) Result {
	return Result{Kind: ResultWait, Waiting: payload}
}

// StepContext is everything a handler needs about the step it's executing
// and the execution it belongs to, without giving it direct access to the
// store or the scheduler.
type StepContext struct {
	ExecutionID   string
	ProcessName   string
	ParentStepID  string
	Step          domain.StepDefinition
	Config        map[string]any // already expression-rendered by the engine
	Scope         expression.Scope
	StartedAt     time.Time
}

// StepHandler is the uniform contract every step-type implementation
// satisfies, per the wire format's step kinds.
type StepHandler interface {
	Type() domain.StepType
	Execute(ctx context.Context, sc StepContext) Result
}

// Registry resolves a StepType to its handler. The engine holds one
// Registry built at startup from every available handler.
type Registry struct {
	byType map[domain.StepType]StepHandler
}

// NewRegistry builds a Registry from a set of handlers, keyed by their own
// declared Type().
func NewRegistry(hs ...StepHandler) *Registry {
	r := &Registry{byType: make(map[domain.StepType]StepHandler, len(hs))}
	for _, h := range hs {
		r.byType[h.Type()] = h
	}
	return r
}

// Lookup returns the handler for a step type, or nil if none is registered.
func (r *Registry) Lookup(t domain.StepType) StepHandler {
	return r.byType[t]
}
