// Package autherr defines the coded error vocabulary shared by the
// authorization and session lifecycle packages.
package autherr

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Error is a failure carrying a Code. The underlying cause, when present,
// is reachable through errors.Unwrap.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	Err     error
}

// New creates an error with the code's default message when msg is empty.
func New(code Code, msg string) *Error {
	if msg == "" {
		msg = code.Message()
	}
	return &Error{Code: code, Message: msg}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. A nil err yields nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	if msg == "" {
		msg = code.Message()
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// With returns a copy of e with key=value added to its context.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = maps.Clone(e.Context)
	if cp.Context == nil {
		cp.Context = make(map[string]any, 1)
	}
	cp.Context[key] = value
	return &cp
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, autherr.New(CodeTimeout, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code from err. Context cancellation and deadlines map
// to USER_CANCELLED and TIMEOUT, everything uncoded to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeUserCancelled
	}
	return CodeInternal
}

// IsRetryable reports whether err belongs to the temporary set.
func IsRetryable(err error) bool {
	return err != nil && CodeOf(err).Temporary()
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
