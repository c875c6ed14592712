package apperrors

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindPermission  Kind = "permission"
	KindQuota       Kind = "quota"
	KindTransient   Kind = "transient"
	KindPersistence Kind = "persistence"
	KindConcurrency Kind = "concurrency"
	KindEngine      Kind = "engine"
)

type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Permission(format string, args ...interface{}) *Error {
	return New(KindPermission, format, args...)
}

// Quota signals hard LLM exhaustion. It is never retried; the optional
// retryAfter is carried through for the caller to surface.
func Quota(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindQuota, Message: message, RetryAfter: retryAfter}
}

func Transient(err error, format string, args ...interface{}) *Error {
	return Wrap(KindTransient, err, format, args...)
}

func Persistence(err error, format string, args ...interface{}) *Error {
	return Wrap(KindPersistence, err, format, args...)
}

func Concurrency(format string, args ...interface{}) *Error {
	return New(KindConcurrency, format, args...)
}

func Engine(err error, format string, args ...interface{}) *Error {
	return Wrap(KindEngine, err, format, args...)
}

func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindEngine
}

func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

func IsQuota(err error) bool       { return Is(err, KindQuota) }
func IsTransient(err error) bool   { return Is(err, KindTransient) }
func IsNotFound(err error) bool    { return Is(err, KindNotFound) }
func IsValidation(err error) bool  { return Is(err, KindValidation) }
func IsConcurrency(err error) bool { return Is(err, KindConcurrency) }

// RetryAfterOf extracts the retry-after hint from a quota error, zero if
// absent.
func RetryAfterOf(err error) time.Duration {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}
