// Package errs defines the error kinds every operation of the service reports.
// Transports map a Kind to their own status codes in exactly one place.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuth          Kind = "unauthenticated"
	KindAuthorization Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

// Error carries a stable Kind and a human-readable reason.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }
func Auth(format string, args ...any) error { return newf(KindAuth, format, args...) }
func Forbidden(format string, args ...any) error { return newf(KindAuthorization, format, args...) }
func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error { return newf(KindConflict, format, args...) }

// Internal wraps a storage or transport failure. The cause stays reachable
// through errors.Is/As but is not part of Message.
func Internal(err error, msg string) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

var (
	ErrTicketNotFound = &Error{Kind: KindNotFound, Message: "ticket not found"}
	ErrUserNotFound   = &Error{Kind: KindNotFound, Message: "user not found"}
	ErrNotRegistered  = &Error{Kind: KindValidation, Message: "connection is not registered"}
)

// KindOf reports the kind of err. Errors that did not originate here are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the reason safe to show to a client.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }
