package response

import (
	"fmt"
	"net/http"

	"github.com/zllovesuki/atelier/errdefs"
)

type Error struct {
	StatusCode int
	Message    string
	Messages   []string
	Result     interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

func (e *Error) WithResult(result interface{}) *Error {
	e.Result = result
	return e
}

func makeError(status int) *Error {
	return &Error{
		StatusCode: status,
		Messages:   make([]string, 0),
	}
}

// -----------------------------------------------

func ErrUnexpected() *Error {
	return makeError(http.StatusInternalServerError).
		WithMessage("An unexpected error has occured")
}

func ErrBadRequest() *Error {
	return makeError(http.StatusBadRequest).
		WithMessage("Bad request")
}

func ErrUnauthorized() *Error {
	return makeError(http.StatusUnauthorized).
		WithMessage("Unauthorized")
}

func ErrForbidden() *Error {
	return makeError(http.StatusForbidden).
		WithMessage("Forbidden")
}

func ErrNotFound() *Error {
	return makeError(http.StatusNotFound).
		WithMessage("Requested resources not found")
}

func ErrMethodNotAllowed() *Error {
	return makeError(http.StatusMethodNotAllowed).
		WithMessage("Method not allowed")
}

func ErrServiceUnavailable() *Error {
	return makeError(http.StatusServiceUnavailable).
		WithMessage("Service unavailable")
}

func ErrInvalidJson() *Error {
	return ErrBadRequest().AddMessages("Invalid JSON body")
}

func ErrNoBearer() *Error {
	return ErrUnauthorized().AddMessages("No valid Bearer token found in header")
}

// FromError translates a domain error into the HTTP error it should surface as
func FromError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	msg := errdefs.MessageOf(err)
	switch errdefs.KindOf(err) {
	case errdefs.KindInvalidArgument, errdefs.KindFailedPrecondition, errdefs.KindWebhookSignatureInvalid:
		return ErrBadRequest().WithMessage(msg)
	case errdefs.KindUnauthenticated:
		return ErrUnauthorized().WithMessage(msg)
	case errdefs.KindPermissionDenied:
		return ErrForbidden().WithMessage(msg)
	case errdefs.KindNotFound:
		return ErrNotFound().WithMessage(msg)
	case errdefs.KindGateway:
		return ErrUnexpected().WithMessage(msg)
	default:
		return ErrUnexpected()
	}
}
