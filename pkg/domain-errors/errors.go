package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure that services, handlers and the
// reconciliation daemon can classify without inspecting error strings.
type Code string

const (
	CodeBadRequest              Code = "bad_request"
	CodeValidation              Code = "validation_error"
	CodeUnauthorized            Code = "unauthorized"
	CodeForbidden               Code = "forbidden"
	CodeNotFound                Code = "not_found"
	CodeConflict                Code = "conflict"
	CodeTimeout                 Code = "timeout"
	CodeInternal                Code = "internal_error"
	CodeConfiguration           Code = "configuration_error"
	CodeStore                   Code = "store_error"
	CodeVerificationFailed      Code = "verification_failed"
	CodeVerificationUnavailable Code = "verification_unavailable"
	CodeGatewayFailure          Code = "gateway_failure"
)

// Error is a coded domain error. Err keeps the underlying cause reachable
// through errors.Is and errors.As.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap annotates err with a code and message. Wrapping nil returns nil so
// callers can wrap unconditionally at return sites.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// As returns the outermost domain error in the chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether any domain error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is an alias of HasCode that reads better at some call sites.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}
