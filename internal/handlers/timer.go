package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
)

var timerSpanRE = regexp.MustCompile(`(\d+)(ms|s|m|h|d)`)

// TimerHandler pauses execution until its `duration` elapses or its `until`
// timestamp is reached — distinct from the common per-step `timeout` field,
// which bounds how long the engine lets any handler run, timer included.
// Adapted from the fixed retry-backoff sleeps in executeStep, generalized
// into its own step type.
type TimerHandler struct{}

// Type implements StepHandler.
func (h *TimerHandler) Type() domain.StepType { return domain.StepTimer }

// Execute implements StepHandler.
func (h *TimerHandler) Execute(ctx context.Context, sc StepContext) Result {
	wait, err := timerWait(sc.Config)
	if err != nil {
		return Fail(domain.ErrInvalidConfig, "timer %q: %v", sc.Step.ID, err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return OK(map[string]any{"waited_seconds": wait.Seconds()})
	case <-ctx.Done():
		return Fail(domain.ErrUnexpectedState, "timer %q: cancelled before firing", sc.Step.ID)
	}
}

func timerWait(config map[string]any) (time.Duration, error) {
	if until, ok := config["until"].(string); ok && until != "" {
		target, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return 0, fmt.Errorf("invalid until timestamp %q: %w", until, err)
		}
		if d := time.Until(target); d > 0 {
			return d, nil
		}
		return 0, nil
	}
	if duration, ok := config["duration"].(string); ok && duration != "" {
		d, ok := parseTimerSpan(duration)
		if !ok {
			return 0, fmt.Errorf("invalid duration %q", duration)
		}
		return d, nil
	}
	return 0, fmt.Errorf("one of duration or until is required")
}

// parseTimerSpan accepts the same grammar the validator enforces on
// durations at definition time: \d+(ms|s|m|h|d), composable ("1h30m").
func parseTimerSpan(s string) (time.Duration, bool) {
	matches := timerSpanRE.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total time.Duration
	var consumed int
	for _, m := range matches {
		consumed += m[1] - m[0]
		n, _ := strconv.Atoi(s[m[2]:m[3]])
		switch s[m[4]:m[5]] {
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
	if consumed != len(s) {
		return 0, false
	}
	return total, true
}
