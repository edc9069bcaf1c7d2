package validator_test

import (
	"testing"

	"github.com/forgeflow/process-engine/internal/validator"
)

const validDoc = `
name: onboarding
version: "1.0"
steps:
  - id: welcome
    type: notification
    config:
      channel: email
      message: "welcome aboard"
  - id: approve
    type: human_approval
    depends_on: [welcome]
    config:
      assignees: [manager]
  - id: provision
    type: agent_task
    depends_on: [approve]
    config:
      agent: provisioner
      message: "set up account"
`

func TestValidate_AcceptsValidDocument(t *testing.T) {
	v := validator.New(nil)
	result := v.Validate([]byte(validDoc))
	if !result.OK() {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
	if result.Definition == nil {
		t.Fatal("expected a definition to be built")
	}
	if len(result.Definition.Steps) != 3 {
		t.Errorf("got %d steps, want 3", len(result.Definition.Steps))
	}
}

func TestValidate_RejectsMalformedYAML(t *testing.T) {
	v := validator.New(nil)
	result := v.Validate([]byte("name: [unterminated"))
	if result.OK() {
		t.Fatal("expected an error for malformed YAML")
	}
}

func TestValidate_RejectsMissingRequiredFields(t *testing.T) {
	v := validator.New(nil)
	result := v.Validate([]byte(`
name: broken
steps:
  - id: task
    type: agent_task
    config: {}
`))
	if result.OK() {
		t.Fatal("expected a schema error for missing agent/message config")
	}
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	v := validator.New(nil)
	result := v.Validate([]byte(`
name: broken
steps:
  - id: a
    type: notification
    config:
      channel: email
      message: "hi"
    depends_on: [ghost]
`))
	if result.OK() {
		t.Fatal("expected an error for unresolved dependency")
	}
}

func TestValidate_DetectsCycle(t *testing.T) {
	v := validator.New(nil)
	result := v.Validate([]byte(`
name: broken
steps:
  - id: a
    type: notification
    config: {channel: email, message: "hi"}
    depends_on: [b]
  - id: b
    type: notification
    config: {channel: email, message: "hi"}
    depends_on: [a]
`))
	if result.OK() {
		t.Fatal("expected a cycle error")
	}
}

func TestValidate_RejectsGotoStepUnknownTarget(t *testing.T) {
	v := validator.New(nil)
	result := v.Validate([]byte(`
name: broken
steps:
  - id: a
    type: notification
    config: {channel: email, message: "hi"}
    on_error:
      action: goto_step
      target_step: nowhere
`))
	if result.OK() {
		t.Fatal("expected an error for goto_step to a nonexistent target")
	}
}

func TestValidate_ExpandsCronPreset(t *testing.T) {
	v := validator.New(nil)
	result := v.Validate([]byte(`
name: scheduled
steps:
  - id: a
    type: notification
    config: {channel: email, message: "hi"}
triggers:
  - kind: schedule
    cron: daily
`))
	if !result.OK() {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
	if result.Definition.Triggers[0].Cron != "0 0 * * *" {
		t.Errorf("cron = %q, want expanded daily preset", result.Definition.Triggers[0].Cron)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]bool{
		"30s":   true,
		"5m":    true,
		"1h30m": true,
		"2d":    true,
		"":      false,
		"bogus": false,
	}
	for in, wantOK := range cases {
		_, ok := validator.ParseDuration(in)
		if ok != wantOK {
			t.Errorf("ParseDuration(%q) ok = %v, want %v", in, ok, wantOK)
		}
	}
}
