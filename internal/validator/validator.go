// Package validator implements the Process Engine's definition validator
// (C3): parse, schema-check, build typed step configs, check semantic
// invariants (cycles, dangling dependencies), and surface non-blocking
// warnings. The error-accumulation pipeline — run every stage, collect
// every error, only stop at a stage boundary — is adapted from the
// control-plane ingredient resolver's `var errors []string` pattern.
package validator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
	"github.com/forgeflow/process-engine/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	nameRE = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	idRE   = regexp.MustCompile(`^[a-z0-9_-]+$`)

	durationRE = regexp.MustCompile(`(\d+)(ms|s|m|h|d)`)

	cronPresets = map[string]string{
		"hourly":   "0 * * * *",
		"daily":    "0 0 * * *",
		"weekly":   "0 0 * * 0",
		"monthly":  "0 0 1 * *",
		"weekdays": "0 0 * * 1-5",
	}

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// FieldError is one validation failure, carrying a path so callers can
// point a UI at the offending field.
type FieldError struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Result is the outcome of Validate: either a usable Definition, or a
// non-empty Errors list explaining why not. Warnings never block.
type Result struct {
	Errors     []FieldError
	Warnings   []FieldError
	Definition *domain.ProcessDefinition
}

// OK reports whether validation succeeded (no errors — warnings are fine).
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// rawDefinition mirrors the wire format described in §6.1: the declarative
// document a client submits, before it's been turned into typed steps.
type rawDefinition struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description" json:"description"`
	Version     string       `yaml:"version" json:"version"`
	Triggers    []rawTrigger `yaml:"triggers" json:"triggers"`
	Steps       []rawStep    `yaml:"steps" json:"steps"`
	Outputs     []rawOutput  `yaml:"outputs" json:"outputs"`
}

type rawTrigger struct {
	Kind        string `yaml:"kind" json:"kind"`
	WebhookID   string `yaml:"webhook_id" json:"webhook_id"`
	Cron        string `yaml:"cron" json:"cron"`
	Timezone    string `yaml:"timezone" json:"timezone"`
	Description string `yaml:"description" json:"description"`
}

type rawOutput struct {
	Name        string `yaml:"name" json:"name"`
	Source      string `yaml:"source" json:"source"`
	Description string `yaml:"description" json:"description"`
}

type rawRetry struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      string  `yaml:"initial_delay" json:"initial_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

type rawOnError struct {
	Action     string `yaml:"action" json:"action"`
	TargetStep string `yaml:"target_step" json:"target_step"`
}

type rawCompensation struct {
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:",inline" json:"config"`
}

type rawRoles struct {
	Executor string   `yaml:"executor" json:"executor"`
	Monitors []string `yaml:"monitors" json:"monitors"`
	Informed []string `yaml:"informed" json:"informed"`
}

type rawStep struct {
	ID           string          `yaml:"id" json:"id"`
	Name         string          `yaml:"name" json:"name"`
	Type         string          `yaml:"type" json:"type"`
	Config       map[string]any  `yaml:"config" json:"config"`
	DependsOn    []string        `yaml:"depends_on" json:"depends_on"`
	Dependencies []string        `yaml:"dependencies" json:"dependencies"`
	Condition    string          `yaml:"condition" json:"condition"`
	Timeout      string          `yaml:"timeout" json:"timeout"`
	Retry        *rawRetry       `yaml:"retry" json:"retry"`
	OnError      *rawOnError     `yaml:"on_error" json:"on_error"`
	Compensation *rawCompensation `yaml:"compensation" json:"compensation"`
	Roles        *rawRoles       `yaml:"roles" json:"roles"`
}

var validStepTypes = map[string]domain.StepType{
	"agent_task":      domain.StepAgentTask,
	"human_approval":  domain.StepHumanApproval,
	"gateway":         domain.StepGateway,
	"timer":           domain.StepTimer,
	"notification":    domain.StepNotification,
	"sub_process":     domain.StepSubProcess,
}

var requiredStepFields = map[domain.StepType][]string{
	domain.StepAgentTask:    {"agent", "message"},
	domain.StepGateway:      {"routes"},
	domain.StepNotification: {"channel", "message"},
	domain.StepSubProcess:   {"process_name"},
}

// Validator runs the C3 parse/schema/semantic pipeline.
type Validator struct {
	definitions store.DefinitionStore
}

// New builds a Validator. definitions is used only for the warnings stage
// (checking sub_process references against known processes); it may be nil
// to skip that stage entirely (useful for pure unit tests).
func New(definitions store.DefinitionStore) *Validator {
	return &Validator{definitions: definitions}
}

// Validate runs the full pipeline against a raw (YAML or JSON) document.
// Pure and side-effect free: it never touches the definitions store for
// writes, only reads for warning-stage cross-references.
func (v *Validator) Validate(raw []byte) *Result {
	result := &Result{}

	var doc rawDefinition
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		result.Errors = append(result.Errors, FieldError{Path: "$", Message: fmt.Sprintf("malformed document: %v", err)})
		return result
	}

	v.checkSchema(&doc, result)
	if !result.OK() {
		return result
	}

	def := v.parseAggregate(&doc, result)
	if !result.OK() {
		return result
	}

	v.checkSemantics(def, result)
	if !result.OK() {
		return result
	}

	v.checkWarnings(def, result)

	result.Definition = def
	return result
}

// ── Stage 2: schema ───────────────────────────────────────────

func (v *Validator) checkSchema(doc *rawDefinition, result *Result) {
	if doc.Name == "" {
		result.Errors = append(result.Errors, FieldError{Path: "name", Message: "required"})
	} else if !nameRE.MatchString(doc.Name) || len(doc.Name) > 64 {
		result.Errors = append(result.Errors, FieldError{
			Path: "name", Message: "must match ^[a-z][a-z0-9-]*$ and be <=64 chars",
		})
	}
	if len(doc.Steps) == 0 {
		result.Errors = append(result.Errors, FieldError{Path: "steps", Message: "at least one step is required"})
	}

	for i, s := range doc.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			result.Errors = append(result.Errors, FieldError{Path: path + ".id", Message: "required"})
		} else if !idRE.MatchString(s.ID) {
			result.Errors = append(result.Errors, FieldError{Path: path + ".id", Message: "must match ^[a-z0-9_-]+$"})
		}

		stepType, known := validStepTypes[s.Type]
		if !known {
			result.Errors = append(result.Errors, FieldError{
				Path: path + ".type", Message: fmt.Sprintf("unknown step type %q", s.Type),
			})
			continue
		}

		for _, field := range requiredStepFields[stepType] {
			if _, ok := s.Config[field]; !ok {
				result.Errors = append(result.Errors, FieldError{
					Path: fmt.Sprintf("%s.config.%s", path, field), Message: "required for type " + s.Type,
				})
			}
		}

		if stepType == domain.StepTimer {
			_, hasDuration := s.Config["duration"]
			_, hasUntil := s.Config["until"]
			if !hasDuration && !hasUntil {
				result.Errors = append(result.Errors, FieldError{
					Path: path + ".config", Message: "timer requires one of duration, until",
				})
			}
		}

		if s.OnError != nil && s.OnError.Action != "" {
			switch domain.ErrorAction(s.OnError.Action) {
			case domain.ErrorActionFailProcess, domain.ErrorActionSkipStep, domain.ErrorActionGotoStep:
			default:
				result.Errors = append(result.Errors, FieldError{
					Path: path + ".on_error.action", Message: "must be one of fail_process, skip_step, goto_step",
				})
			}
		}

		if s.Roles != nil && s.Roles.Executor == "" && (len(s.Roles.Monitors) > 0 || len(s.Roles.Informed) > 0) {
			result.Errors = append(result.Errors, FieldError{
				Path: path + ".roles.executor", Message: "executor is required when roles are present",
			})
		}
	}

	for i, t := range doc.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		switch domain.TriggerKind(t.Kind) {
		case domain.TriggerManual, domain.TriggerWebhook, domain.TriggerSchedule:
		default:
			result.Errors = append(result.Errors, FieldError{Path: path + ".kind", Message: "unknown trigger kind " + t.Kind})
		}
	}
}

// ── Stage 3: parse to aggregate ───────────────────────────────

func (v *Validator) parseAggregate(doc *rawDefinition, result *Result) *domain.ProcessDefinition {
	def := &domain.ProcessDefinition{
		ID:          domain.NewID(),
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		Status:      domain.DefinitionDraft,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if def.Version == "" {
		def.Version = "0.1"
	}

	for _, t := range doc.Triggers {
		trig := domain.Trigger{
			Kind:        domain.TriggerKind(t.Kind),
			WebhookID:   t.WebhookID,
			Timezone:    t.Timezone,
			Description: t.Description,
		}
		if trig.Kind == domain.TriggerSchedule {
			normalized, ok := normalizeCron(t.Cron)
			if !ok {
				result.Errors = append(result.Errors, FieldError{Path: "triggers.cron", Message: "invalid cron expression: " + t.Cron})
				continue
			}
			if _, err := cronParser.Parse(normalized); err != nil {
				result.Errors = append(result.Errors, FieldError{Path: "triggers.cron", Message: err.Error()})
				continue
			}
			trig.Cron = normalized
		}
		def.Triggers = append(def.Triggers, trig)
	}

	for _, o := range doc.Outputs {
		def.Outputs = append(def.Outputs, domain.Output{Name: o.Name, Source: o.Source, Description: o.Description})
	}

	for i, s := range doc.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		deps := s.Dependencies
		if len(deps) == 0 {
			deps = s.DependsOn
		}

		step := domain.StepDefinition{
			ID:           s.ID,
			Name:         s.Name,
			Type:         domain.StepType(s.Type),
			Config:       s.Config,
			Dependencies: deps,
			Condition:    s.Condition,
			Retry:        domain.DefaultRetryPolicy(),
		}

		if s.Timeout != "" {
			d, ok := ParseDuration(s.Timeout)
			if !ok {
				result.Errors = append(result.Errors, FieldError{Path: path + ".timeout", Message: "invalid duration: " + s.Timeout})
			}
			step.Timeout = d
		}

		if s.Retry != nil {
			step.Retry.MaxAttempts = s.Retry.MaxAttempts
			if step.Retry.MaxAttempts < 1 {
				step.Retry.MaxAttempts = 1
			}
			step.Retry.BackoffMultiplier = s.Retry.BackoffMultiplier
			if step.Retry.BackoffMultiplier < 1 {
				step.Retry.BackoffMultiplier = 1
			}
			if s.Retry.InitialDelay != "" {
				d, ok := ParseDuration(s.Retry.InitialDelay)
				if !ok {
					result.Errors = append(result.Errors, FieldError{Path: path + ".retry.initial_delay", Message: "invalid duration"})
				}
				step.Retry.InitialDelay = d
			}
		}

		step.OnError = domain.ErrorPolicy{Action: domain.ErrorActionFailProcess}
		if s.OnError != nil {
			step.OnError.Action = domain.ErrorAction(s.OnError.Action)
			step.OnError.TargetStep = s.OnError.TargetStep
		}

		if s.Compensation != nil {
			step.Compensation = &domain.Compensation{Type: domain.StepType(s.Compensation.Type), Config: s.Compensation.Config}
		}

		if s.Roles != nil {
			step.Roles = &domain.Roles{Executor: s.Roles.Executor, Monitors: s.Roles.Monitors, Informed: s.Roles.Informed}
		}

		def.Steps = append(def.Steps, step)
	}

	return def
}

// ── Stage 4: semantic invariants ──────────────────────────────

func (v *Validator) checkSemantics(def *domain.ProcessDefinition, result *Result) {
	seen := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if seen[s.ID] {
			result.Errors = append(result.Errors, FieldError{Path: path + ".id", Message: "duplicate step id " + s.ID})
		}
		seen[s.ID] = true
	}

	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				result.Errors = append(result.Errors, FieldError{Path: path + ".dependencies", Message: "unresolved dependency: " + dep})
			}
		}
		if s.OnError.Action == domain.ErrorActionGotoStep {
			if s.OnError.TargetStep == "" || !seen[s.OnError.TargetStep] {
				result.Errors = append(result.Errors, FieldError{Path: path + ".on_error.target_step", Message: "goto_step target must exist"})
			}
		}
		if s.Type == domain.StepSubProcess {
			if name, _ := s.Config["process_name"].(string); name == def.Name {
				result.Errors = append(result.Errors, FieldError{Path: path + ".config.process_name", Message: "sub_process cannot recursively invoke its own process"})
			}
		}
	}
	if !result.OK() {
		return
	}

	if cycle := detectCycle(def.Steps); cycle != "" {
		result.Errors = append(result.Errors, FieldError{Path: "steps", Message: "dependency cycle detected involving step " + cycle})
	}
}

// detectCycle runs Kahn's algorithm; returns the id of a step left
// unprocessed (i.e. part of a cycle) or "" if the graph is acyclic.
func detectCycle(steps []domain.StepDefinition) string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(steps) {
		return ""
	}
	for id, deg := range indegree {
		if deg > 0 {
			return id
		}
	}
	return "unknown"
}

// ── Stage 5: warnings ──────────────────────────────────────────

func (v *Validator) checkWarnings(def *domain.ProcessDefinition, result *Result) {
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.Type == domain.StepSubProcess && v.definitions != nil {
			name, _ := s.Config["process_name"].(string)
			if name == "" {
				continue
			}
			if _, err := v.definitions.GetDefinitionByName(context.Background(), name, ""); err != nil {
				result.Warnings = append(result.Warnings, FieldError{
					Path: path + ".config.process_name",
					Message: fmt.Sprintf("referenced sub-process %q is missing or not published", name),
				})
			}
		}
	}
	if len(result.Warnings) > 0 {
		log.Warn().Int("count", len(result.Warnings)).Str("process", def.Name).Msg("validation produced warnings")
	}
}

// ── Duration & cron helpers ────────────────────────────────────

// ParseDuration parses spec-format durations: "30s", "5m", "2h", "1d",
// "100ms", and composites like "1h30m".
func ParseDuration(s string) (time.Duration, bool) {
	matches := durationRE.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total time.Duration
	var consumed int
	for _, m := range matches {
		consumed += len(m[0])
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		switch m[2] {
		case "ms":
			total += time.Duration(n) * time.Millisecond
		case "s":
			total += time.Duration(n) * time.Second
		case "m":
			total += time.Duration(n) * time.Minute
		case "h":
			total += time.Duration(n) * time.Hour
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		}
	}
	if consumed != len(strings.TrimSpace(s)) {
		return 0, false
	}
	return total, true
}

// normalizeCron expands named presets to 5-field cron; anything else passes
// through untouched for the caller to validate.
func normalizeCron(expr string) (string, bool) {
	if preset, ok := cronPresets[strings.ToLower(strings.TrimSpace(expr))]; ok {
		return preset, true
	}
	if expr == "" {
		return "", false
	}
	return expr, true
}
