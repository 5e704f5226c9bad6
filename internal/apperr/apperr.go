// Package apperr defines the error taxonomy of spec §7: a small set of kinds
// that internal/api translates into the HTTP error envelope, keeping every
// other package free of HTTP status concerns.
package apperr

import "fmt"

type Kind string

const (
	KindInvalidInput     Kind = "VALIDATION_ERROR"
	KindInvalidParameter Kind = "INVALID_PARAMETER"
	KindAuthFailure      Kind = "UNAUTHORIZED"
	KindExternal         Kind = "OVERPASS_ERROR"
	KindQueue            Kind = "WEBHOOK_PROCESSING_ERROR"
	KindStore            Kind = "INTERNAL_ERROR"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// Error is the wrapped-error shape carried between layers. Message is safe to
// show to a client; cause is logged but never serialized.
type Error struct {
	Kind        Kind
	Message     string
	FieldErrors map[string]string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func Invalid(message string, fieldErrors map[string]string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message, FieldErrors: fieldErrors}
}

// InvalidParameter reports a query parameter that was present but failed to
// parse into its expected type, distinct from Invalid's missing-field case
// per spec §7's error code enumeration.
func InvalidParameter(message string, fieldErrors map[string]string) *Error {
	return &Error{Kind: KindInvalidParameter, Message: message, FieldErrors: fieldErrors}
}

// ExternalErrorKind distinguishes the upstream failure modes named in spec
// §4.2, kept separate from the top-level Kind so callers can branch on it
// (e.g. deciding whether to retry) without string-matching Message.
type ExternalErrorKind string

const (
	ExternalTimeout     ExternalErrorKind = "TIMEOUT"
	ExternalBadResponse ExternalErrorKind = "BAD_RESPONSE"
	ExternalTransport   ExternalErrorKind = "TRANSPORT"
	ExternalHTTPStatus  ExternalErrorKind = "HTTP_STATUS"
)

// ExternalError wraps a C2 failure with its specific kind, then adapts into
// *Error(KindExternal) at the boundary where a generic error is needed.
type ExternalError struct {
	Kind  ExternalErrorKind
	cause error
}

func NewExternal(kind ExternalErrorKind, cause error) *ExternalError {
	return &ExternalError{Kind: kind, cause: cause}
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("external fetch failed (%s): %v", e.Kind, e.cause)
}

func (e *ExternalError) Unwrap() error { return e.cause }

func (e *ExternalError) AsAppError() *Error {
	return Wrap(KindExternal, "landmark lookup failed upstream", e)
}
