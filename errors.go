package jsbind

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Gaurav-Gosain/jsbind/abi"
)

// Kind categorizes a bridge error.
type Kind string

const (
	KindHostCallFailed     Kind = "host_call_failed"
	KindTypeMismatch       Kind = "type_mismatch"
	KindNoPlainConstructor Kind = "no_plain_constructor"
	KindQueueError         Kind = "queue_error"
	KindNativeError        Kind = "native_error"
	KindBorrowConflict     Kind = "borrow_conflict"
	KindThreadViolation    Kind = "thread_violation"
	KindScopeEnded         Kind = "scope_ended"
	KindDuplicateBinding   Kind = "duplicate_binding"
	KindAlreadyCompleted   Kind = "already_completed"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrHostCallFailed     = &Error{Kind: KindHostCallFailed}
	ErrTypeMismatch       = &Error{Kind: KindTypeMismatch}
	ErrNoPlainConstructor = &Error{Kind: KindNoPlainConstructor}
	ErrQueue              = &Error{Kind: KindQueueError}
	ErrNative             = &Error{Kind: KindNativeError}
	ErrBorrowConflict     = &Error{Kind: KindBorrowConflict}
	ErrThreadViolation    = &Error{Kind: KindThreadViolation}
	ErrScopeEnded         = &Error{Kind: KindScopeEnded}
	ErrDuplicateBinding   = &Error{Kind: KindDuplicateBinding}
	ErrAlreadyCompleted   = &Error{Kind: KindAlreadyCompleted}
)

// Error is the structured error returned by every bridge operation.
type Error struct {
	Cause     error
	Kind      Kind
	Op        string
	Expected  string
	Actual    string
	Detail    string
	Status    abi.Status
	Exception abi.Value // pending host exception captured with the error, if any
}

func (e *Error) Error() string {
	if e.Kind == KindNativeError && e.Cause != nil && e.Detail == "" {
		return e.Cause.Error()
	}

	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	switch {
	case e.Kind == KindHostCallFailed:
		b.WriteString(": status ")
		b.WriteString(e.Status.String())
	case e.Kind == KindQueueError && e.Status != abi.OK:
		b.WriteString(": status ")
		b.WriteString(e.Status.String())
	case e.Expected != "" || e.Actual != "":
		fmt.Fprintf(&b, ": expected %s, got %s", e.Expected, e.Actual)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// HostCallFailed reports a non-OK status from a host API call.
func HostCallFailed(op string, status abi.Status) *Error {
	return &Error{Kind: KindHostCallFailed, Op: op, Status: status}
}

// TypeMismatch reports a value of the wrong type at the boundary.
func TypeMismatch(expected, actual string) *Error {
	return &Error{Kind: KindTypeMismatch, Expected: expected, Actual: actual}
}

// NoPlainConstructor reports a class constructor invoked without new.
func NoPlainConstructor(class string) *Error {
	return &Error{
		Kind:   KindNoPlainConstructor,
		Op:     class,
		Detail: "class constructors must be invoked with 'new'",
	}
}

// QueueError reports a failed enqueue on a thread-safe function.
func QueueError(name string, status abi.Status) *Error {
	return &Error{Kind: KindQueueError, Op: name, Status: status}
}

// NativeError wraps an error produced by native code.
func NativeError(cause error) *Error {
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	return &Error{Kind: KindNativeError, Cause: cause}
}

// IsKind reports whether err is a bridge error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// message is the text a host exception carries for err.
func message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindNativeError && e.Cause != nil && e.Detail == "" {
		return e.Cause.Error()
	}
	return err.Error()
}
