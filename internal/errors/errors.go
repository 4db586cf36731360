// Package errors defines the error kinds shared by every Pulse component and
// the helpers that translate them at the transport boundary. Services return
// *Error values; the REST layer maps kinds to HTTP statuses and the socket
// gateway maps them to {success:false, error} replies.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// KindInternal covers downstream store or bus failures. Clients may retry.
	KindInternal Kind = iota
	// KindUnauthenticated means the credential is missing or invalid.
	KindUnauthenticated
	// KindForbidden means the principal is authenticated but not a member of
	// the resource.
	KindForbidden
	// KindBadRequest means the payload failed validation.
	KindBadRequest
	// KindNotFound means the resource does not exist.
	KindNotFound
	// KindConflict is reserved for uniqueness violations.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindBadRequest:
		return "bad-request"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	default:
		return "dependency-failure"
	}
}

// Error is a classified error. Message is safe to show to clients; Err keeps
// the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error with a client-safe message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a classified error with a formatted client-safe message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// dependency failures: something below us broke and the client may retry.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-safe message of a classified error, or a generic
// one for unclassified errors so internals never leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
