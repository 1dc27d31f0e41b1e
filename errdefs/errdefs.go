package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it
type Kind string

// Defining the error kinds surfaced by the billing engine
const (
	KindInvalidArgument         Kind = "InvalidArgument"
	KindUnauthenticated         Kind = "Unauthenticated"
	KindPermissionDenied        Kind = "PermissionDenied"
	KindNotFound                Kind = "NotFound"
	KindFailedPrecondition      Kind = "FailedPrecondition"
	KindGateway                 Kind = "GatewayError"
	KindWebhookSignatureInvalid Kind = "WebhookSignatureInvalid"
)

// Error carries a Kind along with a human readable message and an optional cause
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func InvalidArgument(format string, args ...interface{}) error {
	return newf(KindInvalidArgument, format, args...)
}

func Unauthenticated(format string, args ...interface{}) error {
	return newf(KindUnauthenticated, format, args...)
}

func PermissionDenied(format string, args ...interface{}) error {
	return newf(KindPermissionDenied, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newf(KindNotFound, format, args...)
}

func FailedPrecondition(format string, args ...interface{}) error {
	return newf(KindFailedPrecondition, format, args...)
}

func WebhookSignatureInvalid(cause error) error {
	return &Error{
		Kind:    KindWebhookSignatureInvalid,
		Message: "webhook signature verification failed",
		Cause:   cause,
	}
}

// Gateway wraps an error returned by the payment gateway
func Gateway(cause error, message string) error {
	return &Error{
		Kind:    KindGateway,
		Message: message,
		Cause:   cause,
	}
}

// KindOf returns the Kind of the first *Error in the chain, or an empty Kind
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind anywhere in its chain
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the message of the first *Error in the chain, falling back to err.Error()
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindGateway && e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	return err.Error()
}
