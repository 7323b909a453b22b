// Package apperr defines the closed set of client-presentable failure kinds
// and the single wire shape every classified failure serializes to.
package apperr

import (
	"errors"
	"net/http"
)

// Kind enumerates the classified failure categories. Dispatch happens on the
// kind, never on concrete error types.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBadRequest
	KindNotAuthorized
	KindNotFound
	KindPayloadTooLarge
	KindServerUnavailable
)

// StatusCode maps a kind onto its HTTP status. Unknown kinds collapse to 500.
func (k Kind) StatusCode() int {
	switch k {
	case KindValidation, KindBadRequest:
		return http.StatusBadRequest
	case KindNotAuthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindServerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBadRequest:
		return "bad_request"
	case KindNotAuthorized:
		return "not_authorized"
	case KindNotFound:
		return "not_found"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindServerUnavailable:
		return "server_unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified failure. The message is client-safe by construction;
// internal detail belongs in the wrapped cause, not here.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an internal cause for server-side logging. The cause is
// never serialized to the client.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, cause: cause}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Validation(message string) *Error      { return New(KindValidation, message) }
func BadRequest(message string) *Error      { return New(KindBadRequest, message) }
func NotAuthorized(message string) *Error   { return New(KindNotAuthorized, message) }
func NotFound(message string) *Error        { return New(KindNotFound, message) }
func PayloadTooLarge(message string) *Error { return New(KindPayloadTooLarge, message) }
func Unavailable(message string) *Error     { return New(KindServerUnavailable, message) }

// Record is the only shape ever serialized to a client on failure.
type Record struct {
	Message    string `json:"message"`
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
}

// statusWord is "fail" for client faults and "error" for server faults. The
// vocabulary is closed; nothing else may appear on the wire.
func statusWord(code int) string {
	if code >= http.StatusInternalServerError {
		return "error"
	}
	return "fail"
}

// Record converts the error into its wire representation.
func (e *Error) Record() Record {
	code := e.Kind.StatusCode()
	return Record{
		Message:    e.Message,
		Status:     statusWord(code),
		StatusCode: code,
	}
}

// internalRecord is served for every unclassified fault. It deliberately
// carries no detail from the underlying error.
var internalRecord = Record{
	Message:    "something went very wrong",
	Status:     "error",
	StatusCode: http.StatusInternalServerError,
}

// InternalRecord returns the generic server-fault record, for failure paths
// where no classified error exists (recovered panics).
func InternalRecord() Record { return internalRecord }

// Classify resolves an arbitrary error into a wire record. The second return
// reports whether the error was a recognized taxonomy member; callers log the
// full error themselves when it was not.
func Classify(err error) (Record, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Record(), true
	}
	return internalRecord, false
}
