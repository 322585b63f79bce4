// Package dberr defines the error taxonomy shared by the catalog, storage
// and compression layers.
//
// Every failure surfaced to a caller is classified by one of the sentinel
// kinds below. Detailed errors are *Error values that carry the kind, a
// SQLSTATE code and an optional hint, and match their kind through
// errors.Is:
//
//	if errors.Is(err, dberr.ErrPreconditionViolation) { ... }
package dberr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound occurs when a referenced hypertable or chunk does not
	// exist, or when identifiers do not correspond to each other
	ErrNotFound = errors.New("not found")

	// ErrPreconditionViolation occurs when an object is not in the state
	// the operation requires
	ErrPreconditionViolation = errors.New("precondition violation")

	// ErrPermissionDenied occurs when the caller lacks ownership of an object
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCapabilityDenied occurs when the license gate rejects an operation
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrInternal occurs when catalog or storage state is inconsistent
	ErrInternal = errors.New("internal consistency error")

	// ErrDuplicateKey occurs when a unique key is inserted twice. It is a
	// precondition violation as well.
	ErrDuplicateKey = errors.New("duplicate key value violates unique constraint")

	// ErrDeadlock occurs when a lock wait would close a cycle between
	// transactions. The transaction that detects it is aborted and can be
	// retried.
	ErrDeadlock = errors.New("deadlock detected")
)

// SQLSTATE codes used by this module
const (
	CodeUndefinedObject       = "42704"
	CodeHypertableNotExist    = "TS001"
	CodeFeatureNotSupported   = "0A000"
	CodeInternalError         = "XX000"
	CodeNotInPrerequisite     = "55000"
	CodeDuplicateObject       = "42710"
	CodeInsufficientPrivilege = "42501"
	CodeUniqueViolation       = "23505"
	CodeLicenseRequired       = "TS100"
	CodeDataCorrupted         = "XX001"
	CodeDependentObjects      = "2BP01"
	CodeDeadlockDetected      = "40P01"
)

// Error is a classified error with a SQLSTATE code
type Error struct {
	Kind    error
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Is reports whether target is the error's kind. ErrDuplicateKey also
// matches ErrPreconditionViolation.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrDuplicateKey && target == ErrPreconditionViolation
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error
func New(kind error, code, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithHint returns a copy of e with a hint attached
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// Wrap classifies cause under kind
func Wrap(kind error, code string, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// NotFound creates an ErrNotFound error
func NotFound(format string, args ...interface{}) *Error {
	return New(ErrNotFound, CodeUndefinedObject, format, args...)
}

// Precondition creates an ErrPreconditionViolation error
func Precondition(format string, args ...interface{}) *Error {
	return New(ErrPreconditionViolation, CodeNotInPrerequisite, format, args...)
}

// PermissionDenied creates an ErrPermissionDenied error
func PermissionDenied(format string, args ...interface{}) *Error {
	return New(ErrPermissionDenied, CodeInsufficientPrivilege, format, args...)
}

// Internal creates an ErrInternal error
func Internal(format string, args ...interface{}) *Error {
	return New(ErrInternal, CodeInternalError, format, args...)
}

// CodeOf returns the SQLSTATE code of err, or the internal error code when
// err is not classified
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// HintOf returns the hint attached to err, if any
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}
