package common

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so that callers can decide whether to retry,
// reject or record them.
type ErrorKind string

const (
	// KindTransient covers network, rate limit and provider availability
	// failures. Retried with bounded backoff.
	KindTransient ErrorKind = "transient"
	// KindMalformed covers model output that cannot be parsed into the
	// expected structure. Retried up to the same bound as transient errors.
	KindMalformed ErrorKind = "malformed"
	// KindPermission is returned when the caller lacks the required
	// privilege. Never retried.
	KindPermission ErrorKind = "permission"
	// KindConflict signals that the target is still being processed.
	// Never retried silently.
	KindConflict ErrorKind = "conflict"
	// KindNotFound is returned for unknown documents, graphs or communities.
	KindNotFound ErrorKind = "not_found"
	// KindInvalid is returned for payloads that fail validation.
	KindInvalid ErrorKind = "invalid"
	// KindInternal is everything else.
	KindInternal ErrorKind = "internal"
)

// Error is the error type shared by all pipeline stages.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, code string, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError wraps cause in an error of the given kind.
func WrapError(kind ErrorKind, code string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a failure may be retried by a step.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindPermission, KindConflict, KindInvalid, KindNotFound:
		return false
	}
	return true
}

var (
	ErrGraphBusy = NewError(KindConflict, "graph_busy", "graph creation or enrichment is still in progress")
	ErrForbidden = NewError(KindPermission, "forbidden", "only superusers may deduplicate entities")
	ErrNotFound  = NewError(KindNotFound, "not_found", "resource not found")
)

// Transient marks err as a transient failure.
func Transient(code string, err error) error {
	return WrapError(KindTransient, code, err)
}

// Malformed marks err as a malformed-output failure.
func Malformed(code string, err error) error {
	return WrapError(KindMalformed, code, err)
}

// Invalid marks err as a validation failure.
func Invalid(code string, err error) error {
	return WrapError(KindInvalid, code, err)
}
