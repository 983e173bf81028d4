package domain

import (
	"errors"
	"fmt"
	"time"
)

// Code is the machine-readable rejection reason sent back to a client.
type Code string

const (
	CodeAuth          Code = "AUTH_ERROR"
	CodeAccessDenied  Code = "ACCESS_DENIED"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeValidation    Code = "VALIDATION_FAILED"
	CodePersistFailed Code = "PERSIST_FAILED"
	CodeNotFound      Code = "NOT_FOUND"
	CodeInternal      Code = "INTERNAL"
)

// Sentinel errors for the coordination core. Use errors.Is to classify a failure.
var (
	ErrAuth          = errors.New("identity could not be verified")
	ErrAccessDenied  = errors.New("access denied")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrValidation    = errors.New("invalid payload")
	ErrPersistFailed = errors.New("persistence failed")
	ErrNotFound      = errors.New("requested resource not found")
)

var sentinels = map[Code]error{
	CodeAuth:          ErrAuth,
	CodeAccessDenied:  ErrAccessDenied,
	CodeRateLimited:   ErrRateLimited,
	CodeValidation:    ErrValidation,
	CodePersistFailed: ErrPersistFailed,
	CodeNotFound:      ErrNotFound,
}

// Error is a classified failure of a core operation.
type Error struct {
	// Code classifies the failure.
	Code Code
	// Op names the operation that failed, e.g. "message.send".
	Op string
	// Msg is a client-safe description.
	Msg string
	// Err is the underlying cause, if any.
	Err error
	// RetryAfter is set for RATE_LIMITED failures.
	RetryAfter time.Duration
}

// NewError creates a classified error.
func NewError(code Code, op, msg string) *Error {
	return &Error{Code: code, Op: op, Msg: msg}
}

// Wrap classifies err under code.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		if s, ok := sentinels[e.Code]; ok {
			msg = s.Error()
		} else {
			msg = string(e.Code)
		}
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Code]; ok && s == target {
		return true
	}
	return false
}

// CodeOf extracts the rejection code of err. Unclassified errors map to INTERNAL.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeInternal
}

// MessageOf returns a client-safe description for err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		if de.Msg != "" {
			return de.Msg
		}
		if s, ok := sentinels[de.Code]; ok {
			return s.Error()
		}
	}
	if s, ok := sentinels[CodeOf(err)]; ok {
		return s.Error()
	}
	return "internal error"
}
