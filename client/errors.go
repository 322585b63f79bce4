package client

import "fmt"

// Error is an error returned by the server
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if hint := e.Hint(); hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Code, e.Message, hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// SQLState returns the SQLSTATE code of the underlying failure, if any
func (e *Error) SQLState() string {
	s, _ := e.Details["sqlstate"].(string)
	return s
}

// Hint returns the server's hint, if any
func (e *Error) Hint() string {
	s, _ := e.Details["hint"].(string)
	return s
}

// Common error codes
var (
	ErrInvalidRequest   = &Error{Code: "INVALID_REQUEST", Message: "invalid request"}
	ErrMethodNotFound   = &Error{Code: "METHOD_NOT_FOUND", Message: "method not found"}
	ErrAuthRequired     = &Error{Code: "AUTH_REQUIRED", Message: "authentication required"}
	ErrAuthInvalid      = &Error{Code: "AUTH_INVALID_TOKEN", Message: "invalid token"}
	ErrUnauthorized     = &Error{Code: "AUTH_UNAUTHORIZED", Message: "token not authorized"}
	ErrNotFound         = &Error{Code: "NOT_FOUND", Message: "not found"}
	ErrPermissionDenied = &Error{Code: "PERMISSION_DENIED", Message: "permission denied"}
	ErrCapabilityDenied = &Error{Code: "CAPABILITY_DENIED", Message: "feature not available under the current license"}
	ErrPrecondition     = &Error{Code: "PRECONDITION_FAILED", Message: "precondition failed"}
	ErrDuplicateKey     = &Error{Code: "DUPLICATE_KEY", Message: "duplicate key"}
	ErrDeadlock         = &Error{Code: "DEADLOCK_DETECTED", Message: "deadlock detected"}
	ErrInternal         = &Error{Code: "INTERNAL_ERROR", Message: "internal error"}
)
