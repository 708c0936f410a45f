package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode names a failure class that is surfaced to clients.
type ErrorCode string

const (
	CodeAuthenticationRequired    ErrorCode = "AuthenticationRequired"
	CodeInvalidSignature          ErrorCode = "InvalidSignature"
	CodeNotAllowed                ErrorCode = "NotAllowed"
	CodeNotFound                  ErrorCode = "NotFound"
	CodeBroadcastersLimitExceeded ErrorCode = "BroadcastersLimitExceeded"
	CodeCallLimitExceeded         ErrorCode = "CallLimitExceeded"
	CodeAlreadyJoined             ErrorCode = "AlreadyJoined"
	CodeMethodNotFound            ErrorCode = "MethodNotFound"
	CodeServiceUnavailable        ErrorCode = "ServiceUnavailable"
	CodeBadRequest                ErrorCode = "BadRequest"
	CodeInternal                  ErrorCode = "Internal"
)

// Error is a coded failure. Two errors match under errors.Is when their codes match.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrAuthenticationRequired    = &Error{Code: CodeAuthenticationRequired, Message: "authentication required"}
	ErrInvalidSignature          = &Error{Code: CodeInvalidSignature, Message: "invalid signature"}
	ErrNotAllowed                = &Error{Code: CodeNotAllowed, Message: "not allowed"}
	ErrNotFound                  = &Error{Code: CodeNotFound, Message: "not found"}
	ErrBroadcastersLimitExceeded = &Error{Code: CodeBroadcastersLimitExceeded, Message: "broadcasters limit exceeded"}
	ErrCallLimitExceeded         = &Error{Code: CodeCallLimitExceeded, Message: "call limit exceeded"}
	ErrAlreadyJoined             = &Error{Code: CodeAlreadyJoined, Message: "already joined"}
	ErrMethodNotFound            = &Error{Code: CodeMethodNotFound, Message: "method not found"}
	ErrServiceUnavailable        = &Error{Code: CodeServiceUnavailable, Message: "service unavailable"}
	ErrBadRequest                = &Error{Code: CodeBadRequest, Message: "bad request"}
)

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err; uncoded errors are Internal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Status maps a code to the numeric code carried on the wire.
func Status(code ErrorCode) int {
	switch code {
	case CodeAuthenticationRequired, CodeInvalidSignature:
		return http.StatusUnauthorized
	case CodeNotAllowed:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBroadcastersLimitExceeded, CodeCallLimitExceeded, CodeAlreadyJoined:
		return http.StatusConflict
	case CodeMethodNotFound:
		return http.StatusNotImplemented
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
