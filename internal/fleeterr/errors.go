// Package fleeterr defines the typed error taxonomy the core returns from
// every operation. The HTTP layer (out of scope for this module, see
// internal/server) maps Kind to a status code; callers within the core
// branch on Kind rather than string-matching error messages.
package fleeterr

import "fmt"

// Kind classifies an error for status-code mapping and retry policy.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindCapacityExhausted Kind = "capacity_exhausted"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindStorage           Kind = "storage"
	KindInternal          Kind = "internal"
)

// Error is the typed error value returned from core operations.
type Error struct {
	Kind    Kind
	Code    string // machine-readable reason, e.g. "BlockedByUnresolved"
	Message string
	Field   string // set for validation errors: the failing field path
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(field, message string) *Error {
	e := newErr(KindValidation, "", message)
	e.Field = field
	return e
}

func NotFound(code, message string) *Error {
	return newErr(KindNotFound, code, message)
}

func Conflict(code, message string) *Error {
	return newErr(KindConflict, code, message)
}

// ConflictWith attaches structured details (e.g. the offending blockedBy IDs).
func ConflictWith(code, message string, details map[string]interface{}) *Error {
	e := newErr(KindConflict, code, message)
	e.Details = details
	return e
}

func CapacityExhausted(code, message string) *Error {
	return newErr(KindCapacityExhausted, code, message)
}

func Unauthorized(message string) *Error {
	return newErr(KindUnauthorized, "", message)
}

func Forbidden(message string) *Error {
	return newErr(KindForbidden, "", message)
}

// Storage wraps a storage-layer error. Storage(nil) returns nil so callers
// can write `return fleeterr.Storage(tx.Commit())` directly.
func Storage(cause error) error {
	if cause == nil {
		return nil
	}
	e := newErr(KindStorage, "", cause.Error())
	e.cause = cause
	return e
}

func Internal(message string) *Error {
	return newErr(KindInternal, "", message)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	fe, ok := err.(*Error)
	return ok && fe.Kind == kind
}
