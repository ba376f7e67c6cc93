// Package errs defines the typed errors surfaced across component boundaries.
//
// Every error carries a Kind that drives retry policy, a machine-readable
// Code, a user-facing Message and a suggested Action. The wrapped cause is
// kept for diagnostics and never shown to the user.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindLimit       Kind = "limit_exceeded"
	KindUnavailable Kind = "upstream_unavailable"
	KindUnknown     Kind = "unknown"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeInvalidItemType     Code = "INVALID_ITEM_TYPE"
	CodeContextRequired     Code = "CONTEXT_REQUIRED"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeItemNotFound        Code = "ITEM_NOT_FOUND"
	CodeItemNotSelected     Code = "ITEM_NOT_SELECTED"
	CodeItemAlreadySelected Code = "ITEM_ALREADY_SELECTED"
	CodeContextLimit        Code = "CONTEXT_LIMIT_EXCEEDED"
	CodeTokenBudget         Code = "TOKEN_BUDGET_EXCEEDED"
	CodeRetrievalFailed     Code = "RETRIEVAL_FAILED"
	CodeGenerationFailed    Code = "GENERATION_FAILED"
	CodeSmartGeneration     Code = "SMART_GENERATION_FAILED"
	CodePersistenceFailed   Code = "PERSISTENCE_FAILED"
	CodeStreamInterrupted   Code = "STREAM_INTERRUPTED"
	CodeUnknown             Code = "UNKNOWN_ERROR"
)

// Action tells the caller what to do next.
type Action string

const (
	ActionRetry Action = "retry"
	ActionNone  Action = "none"
)

// Error is the error type returned by core operations.
type Error struct {
	Kind    Kind           `json:"kind"`
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Action  Action         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the operation may succeed if repeated.
func (e *Error) Retryable() bool { return e.Action == ActionRetry }

// WithDetail returns e with an added detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func defaultAction(k Kind) Action {
	if k == KindUnavailable {
		return ActionRetry
	}
	return ActionNone
}

// New builds an error of the given kind.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Action: defaultAction(kind)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, code Code, msg string, err error) *Error {
	e := New(kind, code, msg)
	e.Err = err
	return e
}

// Validation reports bad input. Never retried.
func Validation(code Code, msg string) *Error {
	return New(KindValidation, code, msg)
}

// NotFound reports an absent or inaccessible resource. Never retried.
func NotFound(code Code, msg string) *Error {
	return New(KindNotFound, code, msg)
}

// LimitExceeded reports a cap being hit, with current and max values.
func LimitExceeded(code Code, msg string, current, max int) *Error {
	return New(KindLimit, code, msg).
		WithDetail("current", current).
		WithDetail("max", max)
}

// Unavailable reports a transiently failing collaborator.
func Unavailable(code Code, msg string, err error) *Error {
	return Wrap(KindUnavailable, code, msg, err)
}

// Unknown wraps an unexpected error. The cause stays out of the message.
func Unknown(err error) *Error {
	return Wrap(KindUnknown, CodeUnknown, "an unexpected error occurred", err)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From returns err as an *Error, wrapping foreign errors as unknown.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Unknown(err)
}

// CodeOf returns the code of err, or empty when err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
