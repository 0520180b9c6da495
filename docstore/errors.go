package docstore

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrUnauthenticated  ErrorKind = "unauthenticated"
	ErrNotFound         ErrorKind = "not_found"
	ErrAlreadyExists    ErrorKind = "already_exists"
	ErrInvalidArgument  ErrorKind = "invalid_argument"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrNetwork          ErrorKind = "network"
	ErrServer           ErrorKind = "server"
)

// Error is the error type returned by every store & relation operation.
// Callers branch on Kind - in particular 'already_exists' is informational
// for the add-contact flow, never a generic failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the ErrorKind of err, or 'server' for
// errors that didn't originate from a store operation
func KindOf(err error) ErrorKind {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Kind
	}

	return ErrServer
}

func IsNotFound(err error) bool {
	return KindOf(err) == ErrNotFound
}

func IsAlreadyExists(err error) bool {
	return KindOf(err) == ErrAlreadyExists
}
