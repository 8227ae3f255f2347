package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator errors. A Kind is itself an error so callers
// can write errors.Is(err, protocol.KindCapacity).
type Kind string

const (
	KindValidation       Kind = "validation"
	KindCapacity         Kind = "capacity"
	KindProcess          Kind = "process"
	KindTaskTimeout      Kind = "task_timeout"
	KindResponseTimeout  Kind = "response_timeout"
	KindStoreUnavailable Kind = "store_unavailable"
	KindNotFound         Kind = "not_found"
)

func (k Kind) Error() string {
	return string(k)
}

// Error is the typed error returned across component boundaries
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so wrapped errors compare equal to their Kind sentinel
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ValidationError reports a malformed request or unknown provider
func ValidationError(op, format string, args ...any) *Error {
	return newError(KindValidation, op, nil, format, args...)
}

// CapacityError reports that a per-user limit was reached; retry later
func CapacityError(op, format string, args ...any) *Error {
	return newError(KindCapacity, op, nil, format, args...)
}

// ProcessError reports a spawn failure, crash or readiness timeout
func ProcessError(op string, err error, format string, args ...any) *Error {
	return newError(KindProcess, op, err, format, args...)
}

// TaskTimeoutError reports that a task exceeded its hard duration
func TaskTimeoutError(op, format string, args ...any) *Error {
	return newError(KindTaskTimeout, op, nil, format, args...)
}

// ResponseTimeoutError reports that no human reply arrived in time
func ResponseTimeoutError(op, format string, args ...any) *Error {
	return newError(KindResponseTimeout, op, nil, format, args...)
}

// StoreUnavailableError wraps a failure of the durable store
func StoreUnavailableError(op string, err error) *Error {
	return newError(KindStoreUnavailable, op, err, "durable store unavailable")
}

// NotFoundError reports a missing task, instance or notification
func NotFoundError(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, nil, format, args...)
}

// KindOf returns the Kind carried by err, or "" if err is untyped
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// IsRetryable reports whether the caller should try again later
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindCapacity, KindStoreUnavailable:
		return true
	}
	return false
}
