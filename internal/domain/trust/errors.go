// Package trust defines the error taxonomy shared by all gateway components.
//
// Component boundaries re-tag errors into one of the kinds below. Only
// transient provider errors and constraint-violation store errors are
// retriable; everything else propagates immediately.
package trust

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	// KindConfig indicates missing or malformed configuration (key file,
	// environment variables). Fatal at startup.
	KindConfig Kind = "config"
	// KindStore indicates a storage failure.
	KindStore Kind = "store"
	// KindCrypto indicates a key load failure or AEAD auth failure.
	KindCrypto Kind = "crypto"
	// KindPolicy indicates an invalid predicate, invalid regex, or an
	// illegal approval state transition.
	KindPolicy Kind = "policy"
	// KindAuth indicates missing/invalid credentials or token exchange failure.
	KindAuth Kind = "auth"
	// KindProvider indicates an upstream provider failure.
	KindProvider Kind = "provider"
	// KindProtocol indicates an unknown session, unknown tool, or malformed request.
	KindProtocol Kind = "protocol"
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = "internal"
)

// Error is a tagged error carrying the taxonomy kind and optional detail.
type Error struct {
	Kind Kind
	// Op names the operation that failed (e.g. "virtualid.allocate").
	Op string
	// Err is the wrapped cause.
	Err error

	// Transient marks a provider error as retriable (network, timeout,
	// HTTP 5xx, HTTP 429). Only meaningful for KindProvider.
	Transient bool
	// ConstraintViolation marks a store error caused by a unique constraint.
	// The virtual-id allocator recovers from these by reading back the winner.
	ConstraintViolation bool
	// StatusCode carries the upstream HTTP status for provider errors, 0 if none.
	StatusCode int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a tagged error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf constructs a tagged error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient constructs a retriable provider error.
func Transient(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Err: err, Transient: true, StatusCode: statusCode}
}

// Permanent constructs a non-retriable provider error.
func Permanent(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Err: err, StatusCode: statusCode}
}

// Constraint constructs a store error caused by a unique constraint violation.
func Constraint(op string, err error) *Error {
	return &Error{Kind: KindStore, Op: op, Err: err, ConstraintViolation: true}
}

// KindOf returns the taxonomy kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is a retriable provider error.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindProvider && te.Transient
	}
	return false
}

// IsConstraintViolation reports whether err is a unique-constraint store error.
func IsConstraintViolation(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.ConstraintViolation
	}
	return false
}

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")
