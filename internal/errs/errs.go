// Package errs holds the error taxonomy shared by every deployproxy
// component. Handlers map these to the {"error": message} envelope.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the request boundary.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
	KindTransport     Kind = "transport"
	KindProvider      Kind = "provider"
	KindRegistry      Kind = "registry"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindInvalid       Kind = "invalid"
)

// Error is the structured error type. Message is safe to show to callers;
// Err holds the underlying cause and is never rendered by the endpoint.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Status is the provider HTTP status for KindProvider errors (0 when the
	// failure was a parse error).
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration reports a missing credential or setting.
func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

// NotFound reports an absent site, deploy or hook.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Transport reports a network-level failure reaching the provider.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: "could not reach the deployment provider", Err: err}
}

// Provider reports a non-2xx or undecodable provider response.
func Provider(op string, status int, detail string) *Error {
	return &Error{
		Kind:    KindProvider,
		Op:      op,
		Status:  status,
		Message: fmt.Sprintf("provider API request failed [%s]", detail),
	}
}

// Registry reports a local persistence failure.
func Registry(msg string, err error) *Error {
	return &Error{Kind: KindRegistry, Message: msg, Err: err}
}

// Unauthorized reports a caller without the required privilege.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

// Conflict reports an operation rejected because of in-flight work.
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// Invalid reports a malformed caller request.
func Invalid(msg string) *Error {
	return &Error{Kind: KindInvalid, Message: msg}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries an *Error of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Message returns the caller-facing message for err. Errors outside the
// taxonomy are rendered with their own text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// HTTPStatus returns the status code used for the error envelope. Only
// authorization failures change the status; everything else keeps the
// envelope on 200 so console clients read the error field.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}
