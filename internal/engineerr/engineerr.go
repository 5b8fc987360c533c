// Package engineerr provides the closed error taxonomy used at every
// component boundary and translated into the control surface's JSON error
// envelope. Internal code returns explicit *Error values (or wraps one with
// %w) instead of relying on string matching or panics.
package engineerr

import (
	"errors"
	"fmt"
)

// Code is one of the symbols in the wire error envelope (spec §6).
type Code string

const (
	InvalidRequest   Code = "INVALID_REQUEST"
	InvalidJSON      Code = "INVALID_JSON"
	InvalidURL       Code = "INVALID_URL"
	InvalidMethod    Code = "INVALID_METHOD"
	ScriptError      Code = "SCRIPT_ERROR"
	RunNotFound      Code = "RUN_NOT_FOUND"
	Timeout          Code = "TIMEOUT"
	ConnectionFailed Code = "CONNECTION_FAILED"
	DNSError         Code = "DNS_ERROR"
	SSLError         Code = "SSL_ERROR"
	DatabaseError    Code = "DATABASE_ERROR"
	InternalError    Code = "INTERNAL_ERROR"
)

// httpStatus maps each Code to the HTTP status the control surface answers
// with.
var httpStatus = map[Code]int{
	InvalidRequest:   400,
	InvalidJSON:      400,
	InvalidURL:       400,
	InvalidMethod:    400,
	ScriptError:      400,
	RunNotFound:      404,
	Timeout:          502,
	ConnectionFailed: 502,
	DNSError:         502,
	SSLError:         502,
	DatabaseError:    500,
	InternalError:    500,
}

// Error is a typed engine error carrying the wire Code it should translate
// to, a human message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code the control surface should answer with
// for this error's Code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error around cause, annotating it with message and code.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// StatusFor returns the HTTP status for any error: *Error values use their
// own Code, everything else maps to 500 INTERNAL_ERROR.
func StatusFor(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

// CodeFor returns the wire Code for any error, defaulting to INTERNAL_ERROR.
func CodeFor(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// MessageFor returns the human message for any error.
func MessageFor(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
