// Package failure defines the classified outcomes a pipeline stage or run can fail with.
// Every failure carries the stage it happened in and a stable reason code.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable failure class. Its string form is the reason code reported to callers.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	Timeout           Kind = "timeout"
	EngineUnreachable Kind = "engine_unreachable"
	EngineError       Kind = "engine_error"
	Overloaded        Kind = "overloaded"
	Canceled          Kind = "canceled"
)

// Stage names used when a failure happens outside of an engine stage.
const (
	StageAdmission = "admission"
	StageInput     = "input"
)

// Error is a classified failure.
type Error struct {
	Kind  Kind   `json:"reason"`
	Stage string `json:"failed_stage"`
	// Code refines Kind, e.g. the engine status ("http_503") or a lifecycle cause ("startup_timeout").
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a failure of kind k in stage.
func New(stage string, k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a failure of kind k caused by err.
func Wrap(stage string, k Kind, code string, err error) *Error {
	return &Error{Kind: k, Stage: stage, Code: code, Err: err}
}

// FromContext classifies a context error: an expired deadline is a Timeout, anything else
// is a caller cancellation.
func FromContext(stage string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Stage: stage, Err: err}
	}
	return &Error{Kind: Canceled, Stage: stage, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a failure of kind k.
func Is(err error, k Kind) bool { return KindOf(err) == k }
