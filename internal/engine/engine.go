// Package engine holds the clients that talk to out-of-process model servers. Each call
// is a single bounded request; retries are the caller's business.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Name() string
}

// Generator turns a prompt into generated text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, audioPath string) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return f(ctx, audioPath)
}
func (f TranscriberFunc) Name() string { return "func" }

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
func (f GeneratorFunc) Name() string { return "func" }

// Error codes reported by the clients.
const (
	CodeConnectionRefused = "connection_refused"
	CodeConnectionReset   = "connection_reset"
	CodeTransport         = "transport_error"
	CodeOverloaded        = "overloaded"
	CodeServerError       = "server_error"
	CodeClientError       = "client_error"
	CodeMalformed         = "malformed_response"
	CodeExit              = "nonzero_exit"
	CodeNotFound          = "executable_not_found"
	CodeTimeout           = "timeout"
	CodeCanceled          = "canceled"
)

// Error is a classified engine failure. Transient errors may succeed on a retry.
type Error struct {
	Engine    string
	Code      string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %v", e.Engine, e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Engine, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is an engine error worth retrying.
func IsTransient(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Transient
}

// CodeOf returns the engine error code carried by err, or "".
func CodeOf(err error) string {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// classifyTransport maps a failed round trip. Context errors are kept distinct so the
// caller can tell an exhausted budget from a broken engine.
func classifyTransport(engine string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Engine: engine, Code: CodeTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Engine: engine, Code: CodeCanceled, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{Engine: engine, Code: CodeConnectionRefused, Transient: true, Err: err}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return &Error{Engine: engine, Code: CodeConnectionReset, Transient: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Engine: engine, Code: CodeTimeout, Err: err}
	}
	return &Error{Engine: engine, Code: CodeTransport, Transient: true, Err: err}
}

// classifyStatus maps a non-2xx HTTP answer. 429 and 5xx are transient, other 4xx are not.
func classifyStatus(engine string, status int, body string) error {
	err := fmt.Errorf("unexpected status: %s", truncate(body, 200))
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Engine: engine, Code: CodeOverloaded, Status: status, Transient: true, Err: err}
	case status >= 500:
		return &Error{Engine: engine, Code: CodeServerError, Status: status, Transient: true, Err: err}
	default:
		return &Error{Engine: engine, Code: CodeClientError, Status: status, Err: err}
	}
}

func malformed(engine string, err error) error {
	return &Error{Engine: engine, Code: CodeMalformed, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
