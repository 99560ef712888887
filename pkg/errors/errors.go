// Package errors defines the broker's error taxonomy: a small set of kinds
// that every component returns errors in terms of, so that the broker façade
// can map them to HTTP statuses or MCP isError content blocks without
// inspecting component-specific error types.
package errors

import "fmt"

// Error kinds. These are not exhaustive error types in the Go sense; they
// classify an error for the purposes of transport-layer mapping.
const (
	KindValidation    = "validation"
	KindNotFound      = "not_found"
	KindConflict      = "conflict"
	KindConfigMissing = "config_missing"
	KindUpstream      = "upstream"
	KindShape         = "shape"
	KindInternal      = "internal"
)

// Error is the broker's error type. Components construct one of these
// instead of returning bare fmt.Errorf values whenever the failure belongs
// to one of the taxonomy's kinds.
type Error struct {
	Kind    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind.
func New(kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewValidation creates a Validation error.
func NewValidation(message string, cause error) *Error { return New(KindValidation, message, cause) }

// NewNotFound creates a NotFound error.
func NewNotFound(message string, cause error) *Error { return New(KindNotFound, message, cause) }

// NewConflict creates a Conflict error.
func NewConflict(message string, cause error) *Error { return New(KindConflict, message, cause) }

// NewConfigMissing creates a ConfigMissing error.
func NewConfigMissing(message string, cause error) *Error {
	return New(KindConfigMissing, message, cause)
}

// NewUpstream creates an Upstream error.
func NewUpstream(message string, cause error) *Error { return New(KindUpstream, message, cause) }

// NewShape creates a Shape error.
func NewShape(message string, cause error) *Error { return New(KindShape, message, cause) }

// NewInternal creates an Internal error.
func NewInternal(message string, cause error) *Error { return New(KindInternal, message, cause) }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind string) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsValidation reports whether err is a Validation error.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// KindOf returns err's Kind, or "" if err is not an *Error. Transport layers
// use this to map a failure to a status code without a type switch per
// kind.
func KindOf(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return ""
	}
	return e.Kind
}
