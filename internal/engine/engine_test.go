package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/engine"
	"github.com/forgeflow/process-engine/internal/eventbus"
	"github.com/forgeflow/process-engine/internal/expression"
	"github.com/forgeflow/process-engine/internal/handlers"
	"github.com/forgeflow/process-engine/internal/store"
)

// fakeAgentGateway lets tests script an agent_task step's outcome by name,
// including failing a fixed number of times before succeeding (retry
// scenario) or always failing (process-failure scenario).
type fakeAgentGateway struct {
	mu        sync.Mutex
	failUntil map[string]int
	calls     map[string]int
}

func newFakeAgentGateway() *fakeAgentGateway {
	return &fakeAgentGateway{failUntil: make(map[string]int), calls: make(map[string]int)}
}

func (g *fakeAgentGateway) Invoke(_ context.Context, agent, _ string, _ map[string]any) (handlers.AgentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[agent]++
	if g.calls[agent] <= g.failUntil[agent] {
		return handlers.AgentResponse{}, context.DeadlineExceeded
	}
	return handlers.AgentResponse{Output: map[string]any{"result": agent + "-done"}}, nil
}

func recordingBus() (*eventbus.Bus, *recorder) {
	bus := eventbus.NewBus()
	rec := &recorder{}
	bus.Register(rec)
	return bus, rec
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Name() string { return "recorder" }
func (r *recorder) Publish(_ context.Context, evt eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) has(t eventbus.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// waitEvent polls the recorder for an event type. Bus delivery is
// asynchronous (each publisher drains its own queue), so events may land
// shortly after the execution itself reaches its terminal status.
func waitEvent(t *testing.T, rec *recorder, want eventbus.EventType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.has(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("event %s was never published", want)
}

func newEngine(t *testing.T, gw handlers.AgentGateway, st store.Store, bus *eventbus.Bus) (*engine.Engine, store.ApprovalStore) {
	t.Helper()
	evaluator := expression.New()
	launcher := engine.NewLauncher(st, st)
	registry := handlers.NewRegistry(
		&handlers.AgentTaskHandler{Gateway: gw},
		&handlers.TimerHandler{},
		&handlers.GatewayHandler{Evaluator: evaluator},
		&handlers.HumanApprovalHandler{Approvals: st, Bus: bus},
		&handlers.SubProcessHandler{Launcher: launcher},
	)
	eng := engine.New(st, bus, registry, evaluator, engine.WithDefaultStepTimeout(6*time.Second))
	launcher.Bind(eng)
	return eng, st
}

func publish(t *testing.T, st store.Store, def *domain.ProcessDefinition) {
	t.Helper()
	def.Status = domain.DefinitionPublished
	if err := st.SaveDefinition(context.Background(), def); err != nil {
		t.Fatalf("save definition: %v", err)
	}
}

func waitFor(t *testing.T, st store.Store, execID string, want domain.ExecutionStatus) *domain.ProcessExecution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := st.GetExecutionByID(context.Background(), execID)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %s in time", execID, want)
	return nil
}

func TestEngine_LinearSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	bus, rec := recordingBus()
	gw := newFakeAgentGateway()
	eng, _ := newEngine(t, gw, st, bus)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "linear", Version: "1",
		Steps: []domain.StepDefinition{
			{ID: "a", Type: domain.StepAgentTask, Config: map[string]any{"agent": "triage", "message": "go"}},
			{ID: "b", Type: domain.StepAgentTask, Dependencies: []string{"a"}, Config: map[string]any{"agent": "resolve", "message": "go"}},
		},
		Outputs: []domain.Output{{Name: "summary", Source: "{{ steps.b.output.response.result }}"}},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, map[string]any{"ticket": "T-1"}, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitFor(t, st, exec.ID, domain.ExecutionCompleted)
	if final.OutputData["summary"] != "resolve-done" {
		t.Errorf("summary = %v, want resolve-done", final.OutputData["summary"])
	}
	waitEvent(t, rec, eventbus.EventProcessCompleted)
}

func TestEngine_ParallelFanOutFanIn(t *testing.T) {
	st := store.NewMemoryStore()
	bus, _ := recordingBus()
	gw := newFakeAgentGateway()
	evaluator := expression.New()
	launcher := engine.NewLauncher(st, st)
	registry := handlers.NewRegistry(&handlers.AgentTaskHandler{Gateway: gw}, &handlers.SubProcessHandler{Launcher: launcher})
	eng := engine.New(st, bus, registry, evaluator, engine.WithParallelExecution(true), engine.WithMaxConcurrentSteps(4))
	launcher.Bind(eng)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "fanout", Version: "1",
		Steps: []domain.StepDefinition{
			{ID: "start", Type: domain.StepAgentTask, Config: map[string]any{"agent": "start", "message": "go"}},
			{ID: "left", Type: domain.StepAgentTask, Dependencies: []string{"start"}, Config: map[string]any{"agent": "left", "message": "go"}},
			{ID: "right", Type: domain.StepAgentTask, Dependencies: []string{"start"}, Config: map[string]any{"agent": "right", "message": "go"}},
			{ID: "join", Type: domain.StepAgentTask, Dependencies: []string{"left", "right"}, Config: map[string]any{"agent": "join", "message": "go"}},
		},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, nil, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, st, exec.ID, domain.ExecutionCompleted)
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	st := store.NewMemoryStore()
	bus, rec := recordingBus()
	gw := newFakeAgentGateway()
	gw.failUntil["flaky"] = 2
	eng, _ := newEngine(t, gw, st, bus)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "retry", Version: "1",
		Steps: []domain.StepDefinition{
			{
				ID: "a", Type: domain.StepAgentTask,
				Config: map[string]any{"agent": "flaky", "message": "go"},
				Retry:  domain.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1},
			},
		},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, nil, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitFor(t, st, exec.ID, domain.ExecutionCompleted)
	waitEvent(t, rec, eventbus.EventStepRetrying)
	if got := final.StepExecutions["a"].Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestEngine_RetryCreatesLinkedExecution(t *testing.T) {
	st := store.NewMemoryStore()
	bus, _ := recordingBus()
	gw := newFakeAgentGateway()
	gw.failUntil["doomed"] = 999
	eng, _ := newEngine(t, gw, st, bus)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "doomed", Version: "1",
		Steps: []domain.StepDefinition{
			{ID: "a", Type: domain.StepAgentTask, Config: map[string]any{"agent": "doomed", "message": "go"}},
		},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, map[string]any{"k": "v"}, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, st, exec.ID, domain.ExecutionFailed)

	gw.mu.Lock()
	gw.failUntil["doomed"] = 0
	gw.calls["doomed"] = 0
	gw.mu.Unlock()

	next, err := eng.Retry(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if next.RetryOf != exec.ID {
		t.Errorf("retry_of = %q, want %q", next.RetryOf, exec.ID)
	}
	if next.InputData["k"] != "v" {
		t.Errorf("retry input = %v, want original input carried over", next.InputData)
	}
	final := waitFor(t, st, next.ID, domain.ExecutionCompleted)
	if final.RetryOf != exec.ID {
		t.Errorf("persisted retry_of = %q, want %q", final.RetryOf, exec.ID)
	}
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	bus, _ := recordingBus()
	gw := newFakeAgentGateway()
	eng, _ := newEngine(t, gw, st, bus)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "cancellable", Version: "1",
		Steps: []domain.StepDefinition{
			{ID: "hold", Type: domain.StepHumanApproval, Config: map[string]any{"title": "hold"}},
		},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, nil, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, st, exec.ID, domain.ExecutionPaused)

	ctx := context.Background()
	if err := eng.Cancel(ctx, exec.ID, "operator abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	first := waitFor(t, st, exec.ID, domain.ExecutionCancelled)

	if err := eng.Cancel(ctx, exec.ID, "operator abort again"); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	second, err := st.GetExecutionByID(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("second cancel mutated the already-cancelled execution")
	}
}

func TestEngine_HumanApprovalRejected(t *testing.T) {
	st := store.NewMemoryStore()
	bus, _ := recordingBus()
	gw := newFakeAgentGateway()
	eng, approvals := newEngine(t, gw, st, bus)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "approval", Version: "1",
		Steps: []domain.StepDefinition{
			{ID: "review", Type: domain.StepHumanApproval, Config: map[string]any{"title": "approve refund"}},
		},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, nil, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, st, exec.ID, domain.ExecutionPaused)

	ctx := context.Background()
	req, err := approvals.GetApprovalByExecutionStep(ctx, exec.ID, "review")
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	req.Status = domain.ApprovalRejected
	req.DecidedBy = "bob"
	if err := approvals.SaveApproval(ctx, req); err != nil {
		t.Fatalf("save approval: %v", err)
	}

	if err := eng.Resume(ctx, exec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	final := waitFor(t, st, exec.ID, domain.ExecutionFailed)
	if final.ErrorMessage == "" {
		t.Error("expected a non-empty error message on rejection")
	}
}

func TestEngine_SubProcessHappyPath(t *testing.T) {
	st := store.NewMemoryStore()
	bus, _ := recordingBus()
	gw := newFakeAgentGateway()
	eng, _ := newEngine(t, gw, st, bus)

	child := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "child-proc", Version: "1",
		Steps: []domain.StepDefinition{
			{ID: "work", Type: domain.StepAgentTask, Config: map[string]any{"agent": "child-worker", "message": "go"}},
		},
	}
	publish(t, st, child)

	parent := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "parent-proc", Version: "1",
		Steps: []domain.StepDefinition{
			{ID: "spawn", Type: domain.StepSubProcess, Config: map[string]any{"process_name": "child-proc"}},
		},
	}
	publish(t, st, parent)

	exec, err := eng.Start(context.Background(), parent, nil, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, st, exec.ID, domain.ExecutionCompleted)
}

func TestEngine_GatewaySkipsUntakenBranch(t *testing.T) {
	st := store.NewMemoryStore()
	bus, _ := recordingBus()
	gw := newFakeAgentGateway()
	eng, _ := newEngine(t, gw, st, bus)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "routing", Version: "1",
		Steps: []domain.StepDefinition{
			{
				ID: "route", Type: domain.StepGateway,
				Config: map[string]any{
					"routes": []any{
						map[string]any{"condition": "input.amount > 1000", "target": "manual_review"},
					},
					"default_route": "auto_approve",
				},
			},
			{ID: "manual_review", Type: domain.StepAgentTask, Dependencies: []string{"route"}, Config: map[string]any{"agent": "reviewer", "message": "go"}},
			{ID: "auto_approve", Type: domain.StepAgentTask, Dependencies: []string{"route"}, Config: map[string]any{"agent": "approver", "message": "go"}},
		},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, map[string]any{"amount": 50}, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitFor(t, st, exec.ID, domain.ExecutionCompleted)
	if final.StepExecutions["manual_review"].Status != domain.StepSkipped {
		t.Errorf("manual_review status = %s, want skipped", final.StepExecutions["manual_review"].Status)
	}
	if final.StepExecutions["auto_approve"].Status != domain.StepCompleted {
		t.Errorf("auto_approve status = %s, want completed", final.StepExecutions["auto_approve"].Status)
	}
}

func TestEngine_CompensationOnFailure(t *testing.T) {
	st := store.NewMemoryStore()
	bus, rec := recordingBus()
	gw := newFakeAgentGateway()
	gw.failUntil["always-fails"] = 999
	eng, _ := newEngine(t, gw, st, bus)

	def := &domain.ProcessDefinition{
		ID: domain.NewID(), Name: "compensating", Version: "1",
		Steps: []domain.StepDefinition{
			{
				ID: "charge", Type: domain.StepAgentTask,
				Config:       map[string]any{"agent": "charge-card", "message": "go"},
				Compensation: &domain.Compensation{Type: domain.StepAgentTask, Config: map[string]any{"agent": "refund-card", "message": "go"}},
			},
			{
				ID: "ship", Type: domain.StepAgentTask, Dependencies: []string{"charge"},
				Config: map[string]any{"agent": "always-fails", "message": "go"},
				Retry:  domain.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 1},
			},
		},
	}
	publish(t, st, def)

	exec, err := eng.Start(context.Background(), def, nil, domain.TriggeredByManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitFor(t, st, exec.ID, domain.ExecutionFailed)
	if final.FailedStepID != "ship" {
		t.Errorf("failed_step_id = %q, want ship", final.FailedStepID)
	}

	waitEvent(t, rec, eventbus.EventCompensationStarted)
	waitEvent(t, rec, eventbus.EventCompensationCompleted)
}
