package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoClient is returned by New when no model client is given.
var ErrNoClient = errors.New("agent: no model client configured")

// ToolErrorType categorizes a failed tool invocation.
type ToolErrorType string

const (
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorCancelled    ToolErrorType = "cancelled"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorExecution    ToolErrorType = "execution"
)

// ToolError describes a tool failure absorbed by the executor. Message is
// the user-facing text fed back to the model; Cause keeps the original error
// for logs.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	} else if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Status values of a finished turn.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusIncomplete      Status = "incomplete"
	StatusPolicyViolation Status = "policy_violation"
	StatusRateLimited     Status = "rate_limited"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminates reports whether the conversation must not continue after a
// turn ending with s.
func (s Status) Terminates() bool {
	return s == StatusPolicyViolation
}
