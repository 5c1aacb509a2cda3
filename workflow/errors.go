package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised while processing a task.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindEmergencyStop   ErrorKind = "emergency_stop"
	KindBudgetExceeded  ErrorKind = "budget_exceeded"
	KindExecutionDenied ErrorKind = "execution_denied"
	KindBackend         ErrorKind = "backend"
	KindStorage         ErrorKind = "storage"
	KindConflict        ErrorKind = "conflict"
)

// Retryable reports whether a caller may re-run the task after this kind of
// failure. Validation, emergency stops, budget breaches and conflicts are
// final for the attempt; the rest are left to the caller's policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindExecutionDenied, KindBackend, KindStorage:
		return true
	default:
		return false
	}
}

// Error is the typed failure surfaced by the coordinator.
type Error struct {
	Kind ErrorKind
	// Reason is the human-readable explanation shown to users.
	Reason string
	// Condition names the triggering HITL condition for denials.
	Condition string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Reason
	if e.Condition != "" {
		msg += " (" + e.Condition + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may be retried by the caller.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// NewError creates a typed error.
func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of a typed error, or "" for untyped errors.
// A *ValidationError anywhere in the chain is reported as KindValidation.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	return ""
}

// IsKind returns true if err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable returns true if err is a typed error of a retryable kind.
// Untyped errors are not retried.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Result carries a gate decision through the call chain without using
// errors for expected denials.
type Result struct {
	Ok         bool
	Kind       ErrorKind
	Detail     string
	Condition  string
	ApprovalID string
	// EmergencyStopID is set when the denial activated or hit an emergency stop.
	EmergencyStopID string
	// RecoverySessionID is set when the denial already started a recovery.
	RecoverySessionID string
}

// Allow returns a granted result.
func Allow(approvalID string) Result {
	return Result{Ok: true, ApprovalID: approvalID}
}

// Deny returns a denied result.
func Deny(kind ErrorKind, condition, detail string) Result {
	return Result{Kind: kind, Condition: condition, Detail: detail}
}

// Err converts a denied result into a typed error. Granted results return nil.
func (r Result) Err() error {
	if r.Ok {
		return nil
	}
	return &Error{Kind: r.Kind, Reason: r.Detail, Condition: r.Condition}
}

// String implements fmt.Stringer for logging.
func (r Result) String() string {
	if r.Ok {
		return "granted"
	}
	return fmt.Sprintf("denied[%s/%s]: %s", r.Kind, r.Condition, r.Detail)
}
