package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable error classification surfaced by the
// validator, repositories, step handlers, and the execution engine.
type ErrorCode string

const (
	ErrValidation       ErrorCode = "VALIDATION_ERROR"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrStateForbidden   ErrorCode = "STATE_FORBIDDEN"
	ErrAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrApprovalTimeout  ErrorCode = "APPROVAL_TIMEOUT"
	ErrProcessNotFound  ErrorCode = "PROCESS_NOT_FOUND"
	ErrSubProcessFailed ErrorCode = "SUB_PROCESS_FAILED"
	ErrUnexpectedState  ErrorCode = "UNEXPECTED_STATE"
	ErrInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrNotificationFail ErrorCode = "NOTIFICATION_FAILED"
	ErrInternal         ErrorCode = "INTERNAL"
)

// NonRetryable holds the error codes that bypass a step's retry policy
// entirely — the step fails (or is handled per error_policy) after a
// single attempt.
var NonRetryable = map[ErrorCode]bool{
	ErrApprovalRejected: true,
	ErrApprovalTimeout:  true,
	ErrValidation:       true,
	ErrInvalidConfig:    true,
	ErrTimeout:          true,
}

// Error is the typed error carried across every component boundary in the
// engine: validator failures, repository lookups, handler results.
type Error struct {
	Code    ErrorCode
	Message string
	Path    string // optional, e.g. "steps[2].roles.executor" (validator)
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an *Error with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity by kind and key, matching the
// repositories' `NOT_FOUND` contract.
func NotFoundError(entity, key string) *Error {
	return &Error{Code: ErrNotFound, Message: fmt.Sprintf("%s not found: %s", entity, key)}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a *Error,
// defaulting to INTERNAL for anything else.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrInternal
}
