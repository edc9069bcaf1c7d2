// Package domain holds the Process Engine's core aggregates, entities, and
// value objects: ProcessDefinition, ProcessExecution, and ApprovalRequest.
// Nothing in this package performs I/O; persistence lives in internal/store,
// scheduling in internal/engine.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a new opaque identifier for any aggregate or entity.
func NewID() string {
	return uuid.New().String()
}

// ── Definition aggregate ─────────────────────────────────────

// DefinitionStatus is the lifecycle state of a ProcessDefinition.
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionPublished DefinitionStatus = "published"
	DefinitionArchived  DefinitionStatus = "archived"
)

// TriggerKind identifies how a process execution may be started.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
)

// Trigger describes one way an execution of a definition may be started.
type Trigger struct {
	Kind        TriggerKind `json:"kind"`
	WebhookID   string      `json:"webhook_id,omitempty"`
	Cron        string      `json:"cron,omitempty"`
	Timezone    string      `json:"timezone,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Output is a named value computed from a template expression at
// ProcessCompleted time.
type Output struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
}

// ProcessDefinition is the versioned, declarative description of a process.
// Once published it is immutable; edits happen by cloning a new draft
// version (the NewDefinitionVersion handler in internal/api/handlers).
type ProcessDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Version     string           `json:"version"`
	Status      DefinitionStatus `json:"status"`
	Steps       []StepDefinition `json:"steps"`
	Outputs     []Output         `json:"outputs,omitempty"`
	Triggers    []Trigger        `json:"triggers,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// StepByID returns the step with the given id, or nil.
func (d *ProcessDefinition) StepByID(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ── StepDefinition (entity within Definition) ────────────────

// StepType identifies the handler a step dispatches to.
type StepType string

const (
	StepAgentTask     StepType = "agent_task"
	StepHumanApproval StepType = "human_approval"
	StepGateway       StepType = "gateway"
	StepTimer         StepType = "timer"
	StepNotification  StepType = "notification"
	StepSubProcess    StepType = "sub_process"
)

// ErrorAction is the policy applied when a step exhausts its retries.
type ErrorAction string

const (
	ErrorActionFailProcess ErrorAction = "fail_process"
	ErrorActionSkipStep    ErrorAction = "skip_step"
	ErrorActionGotoStep    ErrorAction = "goto_step"
)

// RetryPolicy controls a step's retry/backoff behavior.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryPolicy is applied when a step declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, InitialDelay: 0, BackoffMultiplier: 1}
}

// ErrorPolicy names what happens after a step's retries are exhausted.
type ErrorPolicy struct {
	Action     ErrorAction `json:"action"`
	TargetStep string      `json:"target_step,omitempty"`
}

// Compensation is an optional rollback action attached to a step, executed
// in reverse completion order when the execution later fails.
type Compensation struct {
	Type   StepType       `json:"type"`
	Config map[string]any `json:"config"`
}

// Roles is the optional Executor/Monitor/Informed assignment for a step.
type Roles struct {
	Executor string   `json:"executor,omitempty"`
	Monitors []string `json:"monitors,omitempty"`
	Informed []string `json:"informed,omitempty"`
}

// StepDefinition is one DAG node in a ProcessDefinition.
type StepDefinition struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Type         StepType       `json:"type"`
	Config       map[string]any `json:"config"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Condition    string         `json:"condition,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	Retry        RetryPolicy    `json:"retry"`
	OnError      ErrorPolicy    `json:"on_error"`
	Compensation *Compensation  `json:"compensation,omitempty"`
	Roles        *Roles         `json:"roles,omitempty"`
}

// ── Execution aggregate ───────────────────────────────────────

// ExecutionStatus is the lifecycle state of a ProcessExecution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status cannot transition further.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TriggeredBy records what caused an execution to start.
type TriggeredBy string

const (
	TriggeredByManual     TriggeredBy = "manual"
	TriggeredBySchedule   TriggeredBy = "schedule"
	TriggeredByAPI        TriggeredBy = "api"
	TriggeredBySubProcess TriggeredBy = "sub_process"
	TriggeredByRetry      TriggeredBy = "retry"
)

// Money is a fixed-point currency amount, stored as integer minor units
// (cents) to keep cost aggregation exact across many step completions.
type Money struct {
	MinorUnits int64  `json:"minor_units"`
	Currency   string `json:"currency"`
}

// Add returns the sum of two Money values. Currency must match; a zero
// value on either side is treated as the other side's currency.
func (m Money) Add(o Money) Money {
	currency := m.Currency
	if currency == "" {
		currency = o.Currency
	}
	return Money{MinorUnits: m.MinorUnits + o.MinorUnits, Currency: currency}
}

// USD builds a Money value from a dollar amount.
func USD(amount float64) Money {
	return Money{MinorUnits: int64(amount*100 + 0.5), Currency: "USD"}
}

// StepStatus is the lifecycle state of one StepExecution.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepReady           StepStatus = "ready"
	StepRunning         StepStatus = "running"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
)

// Terminal reports whether the step status is final for scheduling purposes.
// Per the engine's dependency-satisfaction rule, skipped counts alongside
// completed as "satisfied" for dependents.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// Satisfied reports whether a dependent step may treat this one as done.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepSkipped
}

// TokenUsage tracks prompt/completion token counts from an agent_task step.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens int64 `json:"completion_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens,omitempty"`
}

// StepExecution is the per-run instance of a StepDefinition.
type StepExecution struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   ErrorCode      `json:"error_code,omitempty"`
	Attempts    int            `json:"attempts"`
	Cost        Money          `json:"cost"`
	TokenUsage  TokenUsage     `json:"token_usage"`
}

// ProcessExecution is a running or terminal instance of a ProcessDefinition.
type ProcessExecution struct {
	ID                string                   `json:"id"`
	ProcessID         string                   `json:"process_id"`
	ProcessName       string                   `json:"process_name"`
	ProcessVersion    string                   `json:"process_version"`
	Status            ExecutionStatus          `json:"status"`
	InputData         map[string]any           `json:"input_data,omitempty"`
	OutputData        map[string]any           `json:"output_data,omitempty"`
	StepExecutions    map[string]*StepExecution `json:"step_executions"`
	TriggeredBy       TriggeredBy              `json:"triggered_by"`
	StartedAt         time.Time                `json:"started_at"`
	CompletedAt       *time.Time               `json:"completed_at,omitempty"`
	TotalCost         Money                    `json:"total_cost"`
	RetryOf           string                   `json:"retry_of,omitempty"`
	ParentExecutionID string                   `json:"parent_execution_id,omitempty"`
	ParentStepID      string                   `json:"parent_step_id,omitempty"`
	ChildExecutionIDs []string                 `json:"child_execution_ids,omitempty"`
	ErrorMessage      string                   `json:"error_message,omitempty"`
	FailedStepID      string                   `json:"failed_step_id,omitempty"`
}

// NewExecution builds a fresh, pending execution for a published definition.
func NewExecution(def *ProcessDefinition, input map[string]any, triggeredBy TriggeredBy) *ProcessExecution {
	steps := make(map[string]*StepExecution, len(def.Steps))
	for _, sd := range def.Steps {
		steps[sd.ID] = &StepExecution{StepID: sd.ID, Status: StepPending}
	}
	return &ProcessExecution{
		ID:             NewID(),
		ProcessID:      def.ID,
		ProcessName:    def.Name,
		ProcessVersion: def.Version,
		Status:         ExecutionPending,
		InputData:      input,
		StepExecutions: steps,
		TriggeredBy:    triggeredBy,
		StartedAt:      time.Now().UTC(),
	}
}

// ── ApprovalRequest (entity, own store) ───────────────────────

// ApprovalStatus is the lifecycle state of a human approval decision.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest bridges a paused execution with an external human decision.
type ApprovalRequest struct {
	ID               string         `json:"id"`
	ExecutionID      string         `json:"execution_id"`
	StepID           string         `json:"step_id"`
	Title            string         `json:"title,omitempty"`
	Description      string         `json:"description,omitempty"`
	Assignees        []string       `json:"assignees,omitempty"`
	Status           ApprovalStatus `json:"status"`
	Deadline         *time.Time     `json:"deadline,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	DecisionComment  string         `json:"decision_comment,omitempty"`
}

// Pending reports whether the request is still awaiting a decision.
func (a *ApprovalRequest) Pending() bool {
	return a.Status == ApprovalPending
}
