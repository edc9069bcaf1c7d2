// Package expression evaluates the `{{ expression }}` templates and boolean
// conditions used in step configs and gateway routes. It replaces the
// engine's original hand-rolled, string-splitting condition matcher — whose
// own comment acknowledged the gap ("For more complex conditions, we can
// integrate expr-lang/expr later") — with github.com/expr-lang/expr.
package expression

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var templateRE = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Scope is the variable environment an expression is evaluated against:
// input.*, steps.<id>.output.*, execution.*, process.*, as named in the
// wire format.
type Scope struct {
	Input     map[string]any
	Steps     map[string]StepOutput
	Execution map[string]any
	Process   map[string]any
}

// StepOutput is the subset of a StepExecution an expression may reference.
type StepOutput struct {
	Output map[string]any
	Status string
	Error  string
}

func (s Scope) env() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for id, out := range s.Steps {
		entry := map[string]any{
			"output": out.Output,
			"status": out.Status,
			"error":  out.Error,
		}
		// Output keys are also addressable directly (steps.x.result as a
		// shorthand for steps.x.output.result), the form sub_process
		// output_key references use. The reserved names above win on
		// collision.
		for k, v := range out.Output {
			if _, reserved := entry[k]; !reserved {
				entry[k] = v
			}
		}
		steps[id] = entry
	}
	return map[string]any{
		"input":     s.Input,
		"steps":     steps,
		"execution": s.Execution,
		"process":   s.Process,
	}
}

// Evaluator compiles and runs expr-lang programs, caching compiled programs
// by source text since the same template is evaluated on every step
// execution that reuses a given definition.
type Evaluator struct {
	cacheMu sync.RWMutex
	cache   map[string]*vm.Program
}

// New builds an Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) compile(source string, opts ...expr.Option) (*vm.Program, error) {
	e.cacheMu.RLock()
	prog, ok := e.cache[source]
	e.cacheMu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.cache[source] = prog
	e.cacheMu.Unlock()
	return prog, nil
}

// Render substitutes every `{{ expr }}` occurrence in text with the result
// of evaluating expr against scope. An expression that fails to resolve
// (unknown path, compile error) is left as its original literal text rather
// than aborting the whole template — the non-strict behavior the wire
// format documents.
func (e *Evaluator) Render(text string, scope Scope) string {
	env := scope.env()
	return templateRE.ReplaceAllStringFunc(text, func(match string) string {
		src := templateRE.FindStringSubmatch(match)[1]
		prog, err := e.compile(src)
		if err != nil {
			return match
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			return match
		}
		return stringify(out)
	})
}

// RenderMap applies Render to every string value in a config map,
// recursing into nested maps and slices, and leaves other value types
// untouched. Used to resolve a step's config before dispatch.
func (e *Evaluator) RenderMap(config map[string]any, scope Scope) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = e.renderValue(v, scope)
	}
	return out
}

func (e *Evaluator) renderValue(v any, scope Scope) any {
	switch val := v.(type) {
	case string:
		return e.Render(val, scope)
	case map[string]any:
		return e.RenderMap(val, scope)
	case []any:
		rendered := make([]any, len(val))
		for i, item := range val {
			rendered[i] = e.renderValue(item, scope)
		}
		return rendered
	default:
		return v
	}
}

// EvaluateCondition compiles and runs a boolean condition — a gateway
// route's `when` clause or a step's `condition` field — and returns its
// truth value. An empty condition is true. A condition that fails to
// compile or evaluate, or does not yield a boolean, returns false together
// with an error; the caller decides how to treat it.
func (e *Evaluator) EvaluateCondition(condition string, scope Scope) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	prog, err := e.compile(condition, expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("expression: compile %q: %w", condition, err)
	}
	out, err := expr.Run(prog, scope.env())
	if err != nil {
		return false, fmt.Errorf("expression: evaluate %q: %w", condition, err)
	}
	truth, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression: %q did not evaluate to a boolean", condition)
	}
	return truth, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
