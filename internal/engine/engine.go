// Package engine implements the Process Engine's execution scheduler (C6):
// the DAG dispatch loop, per-step retry/backoff, error-policy handling
// (fail_process, skip_step, goto_step), compensation, and the pause/resume
// machinery human approvals and nested sub-processes rely on.
//
// It is a direct generalization of the control-plane's workflow.Engine:
// the same runs map[string]context.CancelFunc cancellation registry, the
// same reload-then-dispatch shape as executeAsync/executeStep/
// executeStepOnce, now driving the resolver's ready-step scan and the
// handlers registry instead of a hand-rolled recipe interpreter.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/eventbus"
	"github.com/forgeflow/process-engine/internal/expression"
	"github.com/forgeflow/process-engine/internal/handlers"
	"github.com/forgeflow/process-engine/internal/resolver"
	"github.com/forgeflow/process-engine/internal/store"
	"github.com/forgeflow/process-engine/internal/telemetry"
)

// pollInterval is how long the scheduler waits before re-checking an
// execution with steps still running elsewhere (e.g. a distributed peer).
// The engine's own dispatch is synchronous, so this path is mostly
// defensive, not load-bearing.
const pollInterval = 100 * time.Millisecond

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithParallelExecution toggles whether a batch of ready steps dispatches
// concurrently (true) or one at a time (false, the default) — the
// parallel_execution switch the spec's testable properties hinge on.
func WithParallelExecution(enabled bool) Option {
	return func(e *Engine) { e.parallelExecution = enabled }
}

// WithMaxConcurrentSteps bounds how many steps may run at once when
// parallel execution is enabled. Zero (the default) is unbounded.
func WithMaxConcurrentSteps(n int) Option {
	return func(e *Engine) { e.maxConcurrentSteps = n }
}

// WithDefaultStepTimeout sets the timeout applied to a step that declares
// none of its own. Defaults to five minutes.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultStepTimeout = d }
}

// Engine executes process DAGs.
type Engine struct {
	store     store.Store
	bus       *eventbus.Bus
	registry  *handlers.Registry
	evaluator *expression.Evaluator
	resolver  *resolver.Resolver

	parallelExecution  bool
	maxConcurrentSteps int
	defaultStepTimeout time.Duration

	// Running executions: execution id → cancel func. Mirrors the
	// control-plane engine's runs registry.
	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	// goto_step overrides, consumed by the next ready-step scan for the
	// owning execution. Ephemeral — never persisted.
	overridesMu sync.Mutex
	overrides   map[string]map[string]bool

	// Per-execution mutex guarding concurrent step dispatches against the
	// same in-memory execution snapshot.
	execMus sync.Map // execution id → *sync.Mutex
}

// New builds an Engine.
func New(s store.Store, bus *eventbus.Bus, registry *handlers.Registry, evaluator *expression.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		bus:                bus,
		registry:           registry,
		evaluator:          evaluator,
		resolver:           resolver.New(),
		defaultStepTimeout: 5 * time.Minute,
		runs:               make(map[string]context.CancelFunc),
		overrides:          make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins a new execution of a published definition and returns
// immediately; the DAG runs to completion (or pause) in the background.
func (e *Engine) Start(ctx context.Context, def *domain.ProcessDefinition, input map[string]any, triggeredBy domain.TriggeredBy) (*domain.ProcessExecution, error) {
	return e.start(ctx, def, input, triggeredBy, "", "", "")
}

// StartChild begins a nested execution on behalf of a sub_process step,
// linking it to its parent. Used by the SubProcessLauncher adapter.
func (e *Engine) StartChild(ctx context.Context, def *domain.ProcessDefinition, input map[string]any, parentExecutionID, parentStepID string) (*domain.ProcessExecution, error) {
	return e.start(ctx, def, input, domain.TriggeredBySubProcess, parentExecutionID, parentStepID, "")
}

func (e *Engine) start(ctx context.Context, def *domain.ProcessDefinition, input map[string]any, triggeredBy domain.TriggeredBy, parentExecutionID, parentStepID, retryOf string) (*domain.ProcessExecution, error) {
	if def.Status != domain.DefinitionPublished {
		return nil, domain.NewError(domain.ErrStateForbidden, "process %q version %q is not published", def.Name, def.Version)
	}

	exec := domain.NewExecution(def, input, triggeredBy)
	exec.ParentExecutionID = parentExecutionID
	exec.ParentStepID = parentStepID
	exec.RetryOf = retryOf
	exec.Status = domain.ExecutionRunning

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("engine: save execution: %w", err)
	}

	if parentExecutionID != "" {
		// The parent's dispatch loop may be saving its own snapshot from a
		// sibling step right now; linking under the parent's aggregate lock
		// keeps the read-modify-write from losing either update.
		mu := e.execLock(parentExecutionID)
		mu.Lock()
		if parent, err := e.store.GetExecutionByID(ctx, parentExecutionID); err == nil {
			parent.ChildExecutionIDs = append(parent.ChildExecutionIDs, exec.ID)
			if err := e.store.SaveExecution(ctx, parent); err != nil {
				log.Warn().Err(err).Str("parent", parentExecutionID).Msg("engine: link child execution failed")
			}
		}
		mu.Unlock()
	}

	e.bus.Publish(ctx, eventbus.New(eventbus.EventProcessStarted, exec.ID, exec.ProcessName, map[string]any{
		"triggered_by": string(triggeredBy),
	}))

	e.spawn(def, exec.ID)
	return exec, nil
}

// Resume re-enters the dispatch loop for a paused execution — typically
// called after an approval decision or a child sub-process's own resume.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != domain.ExecutionPaused {
		return domain.NewError(domain.ErrStateForbidden, "execution %s is not paused", executionID)
	}
	def, err := e.store.GetDefinitionByID(ctx, exec.ProcessID)
	if err != nil {
		return err
	}

	exec.Status = domain.ExecutionRunning
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return err
	}

	e.spawn(def, exec.ID)
	return nil
}

// Retry starts a brand new execution linked to the original via RetryOf,
// reusing its input but running the whole DAG from scratch.
func (e *Engine) Retry(ctx context.Context, executionID string) (*domain.ProcessExecution, error) {
	orig, err := e.store.GetExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if orig.Status != domain.ExecutionFailed {
		return nil, domain.NewError(domain.ErrStateForbidden, "execution %s is not failed", executionID)
	}
	def, err := e.store.GetDefinitionByID(ctx, orig.ProcessID)
	if err != nil {
		return nil, err
	}

	return e.start(ctx, def, orig.InputData, domain.TriggeredByRetry, orig.ParentExecutionID, orig.ParentStepID, orig.ID)
}

// Cancel stops an execution. If a run loop is active its context is
// cancelled cooperatively; either way the execution is flipped to
// cancelled directly, so cancelling a paused execution (no live goroutine)
// still works. Idempotent: a second cancel of a terminal execution is a
// no-op. Cancellation never runs compensation.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) error {
	e.runsMu.Lock()
	cancel, ok := e.runs[executionID]
	e.runsMu.Unlock()
	if ok {
		cancel()
	}

	exec, err := e.store.GetExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	exec.Status = domain.ExecutionCancelled
	exec.CompletedAt = &now
	for _, se := range exec.StepExecutions {
		if !se.Status.Terminal() {
			se.Status = domain.StepSkipped
			se.CompletedAt = &now
		}
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return err
	}
	e.bus.Publish(ctx, eventbus.New(eventbus.EventProcessCancelled, exec.ID, exec.ProcessName, map[string]any{
		"reason": reason,
	}))
	return nil
}

func (e *Engine) spawn(def *domain.ProcessDefinition, executionID string) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.runsMu.Lock()
	e.runs[executionID] = cancel
	telemetry.SetRunningExecutions(len(e.runs))
	e.runsMu.Unlock()
	go e.run(runCtx, def, executionID)
}

// run is the top-level scheduling loop for one execution. It reloads the
// execution from the store on every pass — the same defensive reload the
// control-plane engine's executeAsync does before each step — so a
// concurrently-resumed or concurrently-cancelled execution is always
// observed fresh.
func (e *Engine) run(ctx context.Context, def *domain.ProcessDefinition, executionID string) {
	defer func() {
		e.runsMu.Lock()
		delete(e.runs, executionID)
		telemetry.SetRunningExecutions(len(e.runs))
		e.runsMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		exec, err := e.store.GetExecutionByID(ctx, executionID)
		if err != nil {
			log.Error().Err(err).Str("execution", executionID).Msg("engine: reload execution failed")
			return
		}
		if exec.Status.Terminal() {
			return
		}

		if e.redispatchWaiting(ctx, def, exec) {
			exec, err = e.store.GetExecutionByID(ctx, executionID)
			if err != nil {
				log.Error().Err(err).Str("execution", executionID).Msg("engine: reload after redispatch failed")
				return
			}
		}

		if e.hasUnhandledFailure(def, exec) {
			e.failExecution(ctx, def, exec, domain.NewError(domain.ErrUnexpectedState, "step %s failed", exec.FailedStepID))
			return
		}

		if e.resolver.IsComplete(exec) {
			e.completeExecution(ctx, def, exec)
			return
		}

		overrides := e.consumeOverrides(executionID)
		ready := e.resolver.GetReadySteps(def, exec, overrides)

		if len(ready) == 0 {
			if len(e.resolver.GetRunningSteps(exec)) > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollInterval):
				}
				continue
			}
			if len(e.resolver.GetWaitingSteps(exec)) > 0 {
				e.pauseExecution(ctx, exec)
				return
			}
			e.failExecution(ctx, def, exec, domain.NewError(domain.ErrUnexpectedState, "execution %s deadlocked: nothing is ready, running, or waiting", exec.ID))
			return
		}

		e.dispatchBatch(ctx, def, executionID, ready)
	}
}

// hasUnhandledFailure reports whether any failed step's own error_policy is
// (or defaults to) fail_process. A step failed via goto_step is also
// marked StepFailed (per the wire semantics) but does not, by itself, halt
// the execution — only an unredirected failure does. A step dropped via
// skip_step is marked StepSkipped, so it never counts here.
func (e *Engine) hasUnhandledFailure(def *domain.ProcessDefinition, exec *domain.ProcessExecution) bool {
	for id, se := range exec.StepExecutions {
		if se.Status != domain.StepFailed {
			continue
		}
		action := domain.ErrorActionFailProcess
		if sd := def.StepByID(id); sd != nil && sd.OnError.Action != "" {
			action = sd.OnError.Action
		}
		if action == domain.ErrorActionFailProcess {
			return true
		}
	}
	return false
}

func (e *Engine) dispatchBatch(ctx context.Context, def *domain.ProcessDefinition, executionID string, ready []domain.StepDefinition) {
	if !e.parallelExecution || len(ready) <= 1 {
		for _, sd := range ready {
			e.dispatchStep(ctx, def, executionID, sd)
		}
		return
	}

	var sem chan struct{}
	if e.maxConcurrentSteps > 0 {
		sem = make(chan struct{}, e.maxConcurrentSteps)
	}
	var wg sync.WaitGroup
	for _, sd := range ready {
		wg.Add(1)
		go func(sd domain.StepDefinition) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			e.dispatchStep(ctx, def, executionID, sd)
		}(sd)
	}
	wg.Wait()
}

func (e *Engine) execLock(executionID string) *sync.Mutex {
	v, _ := e.execMus.LoadOrStore(executionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// dispatchStep runs one ready step to a terminal (or waiting) outcome,
// including its full retry loop, then persists the result. The step's
// handler call itself runs without holding the execution lock so a slow
// step never blocks its siblings' bookkeeping.
func (e *Engine) dispatchStep(ctx context.Context, def *domain.ProcessDefinition, executionID string, sd domain.StepDefinition) {
	mu := e.execLock(executionID)

	mu.Lock()
	exec, err := e.store.GetExecutionByID(ctx, executionID)
	if err != nil {
		mu.Unlock()
		log.Error().Err(err).Str("execution", executionID).Msg("engine: dispatch reload failed")
		return
	}
	se := exec.StepExecutions[sd.ID]
	if se == nil {
		mu.Unlock()
		return
	}

	scope := e.buildScope(exec)
	matched, condErr := e.evaluator.EvaluateCondition(sd.Condition, scope)
	if condErr == nil && !matched {
		now := time.Now().UTC()
		se.Status = domain.StepSkipped
		se.StartedAt = &now
		se.CompletedAt = &now
		se.Output = map[string]any{"skipped_reason": "condition not met"}
		e.store.SaveExecution(ctx, exec)
		mu.Unlock()
		e.bus.Publish(ctx, eventbus.New(eventbus.EventStepSkipped, executionID, exec.ProcessName, map[string]any{"step_id": sd.ID}))
		return
	}

	now := time.Now().UTC()
	se.StartedAt = &now
	se.Status = domain.StepRunning
	processName := exec.ProcessName
	e.store.SaveExecution(ctx, exec)
	mu.Unlock()

	e.bus.Publish(ctx, eventbus.New(eventbus.EventStepStarted, executionID, processName, map[string]any{"step_id": sd.ID}))

	dispatchStart := time.Now()
	result, attempts := e.executeWithRetry(ctx, sd, exec, scope)
	telemetry.RecordStep(string(sd.Type), string(result.Kind), time.Since(dispatchStart))

	mu.Lock()
	exec, err = e.store.GetExecutionByID(ctx, executionID)
	if err != nil {
		mu.Unlock()
		log.Error().Err(err).Str("execution", executionID).Msg("engine: post-dispatch reload failed")
		return
	}
	se = exec.StepExecutions[sd.ID]
	e.applyResult(se, exec, sd, result, attempts)
	if sd.Type == domain.StepGateway && result.Kind == handlers.ResultOK {
		e.applyGatewayRouting(exec, result)
	}
	e.store.SaveExecution(ctx, exec)
	mu.Unlock()

	e.publishResultEvent(ctx, executionID, processName, sd, result)
	if result.Kind == handlers.ResultOK {
		e.notifyInformed(ctx, executionID, processName, sd)
	}
}

// executeWithRetry drives one step's handler through its retry policy,
// honoring non-retryable error codes and backing off with
// cenkalti/backoff's exponential strategy between attempts. Returns the
// final result and how many times the handler was actually invoked.
func (e *Engine) executeWithRetry(ctx context.Context, sd domain.StepDefinition, exec *domain.ProcessExecution, scope expression.Scope) (handlers.Result, int) {
	handler := e.registry.Lookup(sd.Type)
	if handler == nil {
		return handlers.Fail(domain.ErrInvalidConfig, "step %q: no handler registered for type %q", sd.ID, sd.Type), 0
	}

	policy := sd.Retry
	if policy.MaxAttempts <= 0 {
		policy = domain.DefaultRetryPolicy()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	bo.Multiplier = policy.BackoffMultiplier
	if bo.Multiplier <= 0 {
		bo.Multiplier = 1
	}
	bo.MaxElapsedTime = 0
	// No jitter, and Reset so the first interval is the policy's own
	// InitialInterval rather than the library default set at construction.
	bo.RandomizationFactor = 0
	bo.Reset()

	var result handlers.Result
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		timeout := sd.Timeout
		if timeout <= 0 {
			timeout = e.defaultStepTimeout
			if sd.Type == domain.StepSubProcess {
				// A nested process routinely outlives the default step
				// budget; the wire format gives sub_process its own 1h
				// default instead.
				timeout = time.Hour
			}
		}
		stepCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		rendered := e.evaluator.RenderMap(sd.Config, scope)
		sc := handlers.StepContext{
			ExecutionID:  exec.ID,
			ProcessName:  exec.ProcessName,
			ParentStepID: exec.ParentStepID,
			Step:         sd,
			Config:       rendered,
			Scope:        scope,
			StartedAt:    time.Now().UTC(),
		}

		result = e.invokeHandler(stepCtx, handler, sc)
		if cancel != nil {
			cancel()
		}

		if result.Kind != handlers.ResultFail {
			return result, attempt
		}
		if domain.NonRetryable[result.Err.Code] || attempt == policy.MaxAttempts {
			return result, attempt
		}

		e.bus.Publish(ctx, eventbus.New(eventbus.EventStepRetrying, exec.ID, exec.ProcessName, map[string]any{
			"step_id": sd.ID, "attempt": attempt, "error": result.Err.Message,
		}))

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return handlers.Fail(domain.ErrUnexpectedState, "step %q: cancelled during retry backoff", sd.ID), attempt
		}
	}
	return result, policy.MaxAttempts
}

// invokeHandler runs a handler's Execute and synthesizes a TIMEOUT result
// if the step's deadline elapses before it returns.
func (e *Engine) invokeHandler(ctx context.Context, h handlers.StepHandler, sc handlers.StepContext) handlers.Result {
	done := make(chan handlers.Result, 1)
	go func() { done <- h.Execute(ctx, sc) }()
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return handlers.Fail(domain.ErrTimeout, "step %q: %v", sc.Step.ID, ctx.Err())
	}
}

// applyResult folds a handler's result into its StepExecution, extracting
// the conventional _cost/_token_usage output keys into their typed fields
// and aggregating cost onto the parent execution. attempts is how many
// handler invocations the dispatch made; zero (a waiting step being
// re-polled) leaves the recorded count alone.
func (e *Engine) applyResult(se *domain.StepExecution, exec *domain.ProcessExecution, sd domain.StepDefinition, result handlers.Result, attempts int) {
	if attempts > 0 {
		se.Attempts = attempts
	}
	switch result.Kind {
	case handlers.ResultOK:
		now := time.Now().UTC()
		se.Status = domain.StepCompleted
		se.CompletedAt = &now
		output := result.Output
		if output != nil {
			if cost, ok := output["_cost"].(domain.Money); ok {
				se.Cost = cost
				exec.TotalCost = exec.TotalCost.Add(cost)
				delete(output, "_cost")
			}
			if tu, ok := output["_token_usage"].(domain.TokenUsage); ok {
				se.TokenUsage = tu
				delete(output, "_token_usage")
			}
		}
		se.Output = output
		se.Error = ""
		se.ErrorCode = ""
	case handlers.ResultFail:
		se.Error = result.Err.Message
		se.ErrorCode = result.Err.Code
		e.applyErrorPolicy(exec, se, sd)
	case handlers.ResultWait:
		se.Status = domain.StepWaitingApproval
		se.Output = result.Waiting
	}
}

// applyGatewayRouting realizes a completed gateway step's routing decision:
// every route target the handler did not select is marked skipped (still
// pending steps only — a route the scheduler already dispatched through a
// separate dependency path is left alone), so downstream dependents of the
// untaken branch become ready per the dependency-satisfaction rule instead
// of hanging forever waiting on a step that will never run.
func (e *Engine) applyGatewayRouting(exec *domain.ProcessExecution, result handlers.Result) {
	selected := map[string]bool{}
	if targets, ok := result.Output["target_steps"].([]string); ok {
		for _, t := range targets {
			selected[t] = true
		}
	}

	conds, _ := result.Output["conditions"].([]map[string]any)
	now := time.Now().UTC()
	for _, c := range conds {
		target, _ := c["target"].(string)
		if target == "" || selected[target] {
			continue
		}
		se := exec.StepExecutions[target]
		if se == nil || se.Status != domain.StepPending {
			continue
		}
		se.Status = domain.StepSkipped
		se.StartedAt = &now
		se.CompletedAt = &now
		se.Output = map[string]any{"skipped_reason": "gateway route not taken"}
	}
}

func (e *Engine) applyErrorPolicy(exec *domain.ProcessExecution, se *domain.StepExecution, sd domain.StepDefinition) {
	action := sd.OnError.Action
	if action == "" {
		action = domain.ErrorActionFailProcess
	}

	now := time.Now().UTC()
	switch action {
	case domain.ErrorActionSkipStep:
		se.Status = domain.StepSkipped
		se.CompletedAt = &now
	case domain.ErrorActionGotoStep:
		se.Status = domain.StepFailed
		se.CompletedAt = &now
		if sd.OnError.TargetStep != "" {
			e.setOverride(exec.ID, sd.OnError.TargetStep)
		}
	default:
		se.Status = domain.StepFailed
		se.CompletedAt = &now
		exec.FailedStepID = se.StepID
	}
}

// redispatchWaiting re-invokes the handler for every step parked in
// waiting_approval, once each. This is how a human decision or a resumed
// child sub-process gets picked back up: the engine never keeps a blocked
// goroutine around for a waiting step, it simply re-asks the handler
// whether the wait is over the next time the run loop turns. Returns true
// if any step's status changed (so the caller reloads its snapshot).
func (e *Engine) redispatchWaiting(ctx context.Context, def *domain.ProcessDefinition, exec *domain.ProcessExecution) bool {
	waiting := e.resolver.GetWaitingSteps(exec)
	if len(waiting) == 0 {
		return false
	}

	changed := false
	for _, se := range waiting {
		sd := def.StepByID(se.StepID)
		if sd == nil {
			continue
		}
		handler := e.registry.Lookup(sd.Type)
		if handler == nil {
			continue
		}

		scope := e.buildScope(exec)
		rendered := e.evaluator.RenderMap(sd.Config, scope)
		sc := handlers.StepContext{
			ExecutionID:  exec.ID,
			ProcessName:  exec.ProcessName,
			ParentStepID: exec.ParentStepID,
			Step:         *sd,
			Config:       rendered,
			Scope:        scope,
			StartedAt:    time.Now().UTC(),
		}

		result := e.invokeHandler(ctx, handler, sc)
		if result.Kind == handlers.ResultWait {
			continue
		}

		changed = true
		e.applyResult(se, exec, *sd, result, 0)
		e.publishResultEvent(ctx, exec.ID, exec.ProcessName, *sd, result)
		if result.Kind == handlers.ResultOK {
			e.notifyInformed(ctx, exec.ID, exec.ProcessName, *sd)
		}
	}

	if changed {
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			log.Error().Err(err).Str("execution", exec.ID).Msg("engine: persist redispatch failed")
		}
	}
	return changed
}

func (e *Engine) publishResultEvent(ctx context.Context, executionID, processName string, sd domain.StepDefinition, result handlers.Result) {
	switch result.Kind {
	case handlers.ResultOK:
		e.bus.Publish(ctx, eventbus.New(eventbus.EventStepCompleted, executionID, processName, map[string]any{"step_id": sd.ID}))
	case handlers.ResultFail:
		e.bus.Publish(ctx, eventbus.New(eventbus.EventStepFailed, executionID, processName, map[string]any{
			"step_id": sd.ID, "error": result.Err.Error(), "code": string(result.Err.Code),
		}))
	case handlers.ResultWait:
		e.bus.Publish(ctx, eventbus.New(eventbus.EventStepWaitingApproval, executionID, processName, map[string]any{"step_id": sd.ID}))
	}
}

func (e *Engine) notifyInformed(ctx context.Context, executionID, processName string, sd domain.StepDefinition) {
	if sd.Roles == nil {
		return
	}
	for _, who := range sd.Roles.Informed {
		e.bus.Publish(ctx, eventbus.New(eventbus.EventInformedNotification, executionID, processName, map[string]any{
			"step_id": sd.ID, "informed": who,
		}))
	}
}

func (e *Engine) pauseExecution(ctx context.Context, exec *domain.ProcessExecution) {
	exec.Status = domain.ExecutionPaused
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution", exec.ID).Msg("engine: pause persist failed")
	}
}

func (e *Engine) completeExecution(ctx context.Context, def *domain.ProcessDefinition, exec *domain.ProcessExecution) {
	now := time.Now().UTC()
	exec.Status = domain.ExecutionCompleted
	exec.CompletedAt = &now

	scope := e.buildScope(exec)
	outputs := make(map[string]any, len(def.Outputs))
	for _, o := range def.Outputs {
		outputs[o.Name] = e.evaluator.Render(o.Source, scope)
	}
	exec.OutputData = outputs

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution", exec.ID).Msg("engine: complete persist failed")
	}
	e.bus.Publish(ctx, eventbus.New(eventbus.EventProcessCompleted, exec.ID, exec.ProcessName, map[string]any{
		"total_cost_minor_units": exec.TotalCost.MinorUnits,
	}))
	telemetry.RecordProcessCompletion(exec.ProcessName, string(exec.Status), exec.TotalCost.MinorUnits, exec.TotalCost.Currency)
}

func (e *Engine) failExecution(ctx context.Context, def *domain.ProcessDefinition, exec *domain.ProcessExecution, failErr *domain.Error) {
	now := time.Now().UTC()
	exec.Status = domain.ExecutionFailed
	exec.CompletedAt = &now
	if exec.ErrorMessage == "" && failErr != nil {
		exec.ErrorMessage = failErr.Error()
	}

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution", exec.ID).Msg("engine: fail persist failed")
	}
	e.bus.Publish(ctx, eventbus.New(eventbus.EventProcessFailed, exec.ID, exec.ProcessName, map[string]any{
		"error": exec.ErrorMessage, "failed_step_id": exec.FailedStepID,
	}))
	telemetry.RecordProcessCompletion(exec.ProcessName, string(exec.Status), exec.TotalCost.MinorUnits, exec.TotalCost.Currency)

	e.runCompensation(ctx, def, exec)
}

// runCompensation walks completed steps with a compensation action in
// reverse completion order and invokes each, isolating failures from one
// another the same way the event bus isolates publisher failures.
func (e *Engine) runCompensation(ctx context.Context, def *domain.ProcessDefinition, exec *domain.ProcessExecution) {
	type entry struct {
		sd domain.StepDefinition
		se *domain.StepExecution
	}
	var completed []entry
	for _, sd := range def.Steps {
		if sd.Compensation == nil {
			continue
		}
		se := exec.StepExecutions[sd.ID]
		if se != nil && se.Status == domain.StepCompleted {
			completed = append(completed, entry{sd, se})
		}
	}
	if len(completed) == 0 {
		return
	}

	sort.Slice(completed, func(i, j int) bool {
		ti, tj := completed[i].se.CompletedAt, completed[j].se.CompletedAt
		if ti == nil || tj == nil {
			return false
		}
		return ti.After(*tj)
	})

	e.bus.Publish(ctx, eventbus.New(eventbus.EventCompensationStarted, exec.ID, exec.ProcessName, map[string]any{"count": len(completed)}))

	for _, c := range completed {
		handler := e.registry.Lookup(c.sd.Compensation.Type)
		if handler == nil {
			e.bus.Publish(ctx, eventbus.New(eventbus.EventCompensationFailed, exec.ID, exec.ProcessName, map[string]any{
				"step_id": c.sd.ID, "error": "no handler registered for compensation type",
			}))
			continue
		}

		scope := e.buildScope(exec)
		rendered := e.evaluator.RenderMap(c.sd.Compensation.Config, scope)
		sc := handlers.StepContext{
			ExecutionID: exec.ID,
			ProcessName: exec.ProcessName,
			Step:        domain.StepDefinition{ID: c.sd.ID, Type: c.sd.Compensation.Type, Config: rendered},
			Config:      rendered,
			Scope:       scope,
			StartedAt:   time.Now().UTC(),
		}

		result := e.invokeHandler(ctx, handler, sc)
		if result.Kind == handlers.ResultFail {
			e.bus.Publish(ctx, eventbus.New(eventbus.EventCompensationFailed, exec.ID, exec.ProcessName, map[string]any{
				"step_id": c.sd.ID, "error": result.Err.Error(),
			}))
		} else {
			e.bus.Publish(ctx, eventbus.New(eventbus.EventCompensationCompleted, exec.ID, exec.ProcessName, map[string]any{"step_id": c.sd.ID}))
		}
	}
}

func (e *Engine) buildScope(exec *domain.ProcessExecution) expression.Scope {
	steps := make(map[string]expression.StepOutput, len(exec.StepExecutions))
	for id, se := range exec.StepExecutions {
		steps[id] = expression.StepOutput{Output: se.Output, Status: string(se.Status), Error: se.Error}
	}
	return expression.Scope{
		Input: exec.InputData,
		Steps: steps,
		Execution: map[string]any{
			"id": exec.ID, "status": string(exec.Status), "started_at": exec.StartedAt,
		},
		Process: map[string]any{"name": exec.ProcessName, "version": exec.ProcessVersion},
	}
}

func (e *Engine) setOverride(executionID, stepID string) {
	e.overridesMu.Lock()
	defer e.overridesMu.Unlock()
	if e.overrides[executionID] == nil {
		e.overrides[executionID] = make(map[string]bool)
	}
	e.overrides[executionID][stepID] = true
}

func (e *Engine) consumeOverrides(executionID string) map[string]bool {
	e.overridesMu.Lock()
	defer e.overridesMu.Unlock()
	overrides := e.overrides[executionID]
	delete(e.overrides, executionID)
	return overrides
}
