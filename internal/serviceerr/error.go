// Package serviceerr carries operation-scoped error codes shared by the service packages.
package serviceerr

import (
	"errors"
	"fmt"
)

// Error pairs a stable "<operation>.<reason>" code with its cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *Error) Code() string {
	return e.code
}

// New builds an Error for the operation and reason.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}

// CodeOf returns the outermost error code in the chain, or an empty string.
func CodeOf(err error) string {
	var serviceError *Error
	if errors.As(err, &serviceError) {
		return serviceError.code
	}
	return ""
}
