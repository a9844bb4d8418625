// Package apierr defines the kind-tagged error taxonomy used across the
// bridge and maps each kind to the HTTP status and JSON body the API
// surface returns. Handlers construct these with the New/Wrap helpers
// instead of returning bare errors, so a single place decides status
// codes.
package apierr

import (
	"fmt"
	"net/http"

	"golang.org/x/xerrors"
)

// Kind classifies the failure so the HTTP layer can pick a status code
// without the handler having to know it.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuth           Kind = "auth"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindCapacity       Kind = "capacity"
	KindUpstreamFailed Kind = "upstream_failure"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
)

// statusByKind is the fixed kind -> HTTP status mapping.
var statusByKind = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindAuth:           http.StatusUnauthorized,
	KindForbidden:      http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindCapacity:       http.StatusServiceUnavailable,
	KindUpstreamFailed: http.StatusBadGateway,
	KindTimeout:        http.StatusGatewayTimeout,
	KindInternal:       http.StatusInternalServerError,
}

// Error is the bridge's error envelope. It carries a Kind for status
// mapping, a user-facing Message, and wraps the underlying cause with
// xerrors so the frame where it was created survives in logs.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs a Kind error with a message and no wrapped cause. The
// frame of the call site is captured via xerrors so %+v formatting in
// logs shows where the error originated.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: xerrors.New(message)}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, cause: xerrors.New(msg)}
}

// Wrap attaches a Kind and message to an existing error, preserving it as
// the cause so the original diagnostic survives.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: xerrors.Errorf("%s: %w", message, cause)}
}

// Validation, Auth, Forbidden, NotFound, Capacity, Upstream, Timeout and
// Internal are shorthand constructors for the common call sites.
func Validation(format string, args ...interface{}) *Error {
	return Newf(KindValidation, format, args...)
}

func Auth(format string, args ...interface{}) *Error {
	return Newf(KindAuth, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return Newf(KindForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

func Capacity(format string, args ...interface{}) *Error {
	return Newf(KindCapacity, format, args...)
}

func Upstream(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindUpstreamFailed, fmt.Sprintf(format, args...), cause)
}

func Timeout(format string, args ...interface{}) *Error {
	return Newf(KindTimeout, format, args...)
}

func Internal(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, fmt.Sprintf(format, args...), cause)
}

// As extracts an *Error from err, if present anywhere in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}
