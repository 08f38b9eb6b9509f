// ABOUTME: Sentinel errors, stable codes, and their HTTP status mapping.
// ABOUTME: CodeOf classifies any wrapped error into the taxonomy.

package fault

import (
	"context"
	"errors"
	"net/http"
)

// Code is the stable, client-visible name of an error class.
type Code string

const (
	CodeConnectionLost       Code = "connection_lost"
	CodeTimeout              Code = "timeout"
	CodeSessionNotFound      Code = "session_not_found"
	CodeTaskNotFound         Code = "task_not_found"
	CodeSessionBusy          Code = "session_busy"
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeToolExecutionFailed  Code = "tool_execution_failed"
	CodeCancelled            Code = "cancelled"
	CodeInvalidArgument      Code = "invalid_argument"
	CodeUpstream             Code = "upstream_error"
	CodeInternal             Code = "internal"
)

var (
	ErrConnectionLost       = errors.New("upstream connection lost")
	ErrTimeout              = errors.New("timed out")
	ErrSessionNotFound      = errors.New("session not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrSessionBusy          = errors.New("session busy")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrToolExecutionFailed  = errors.New("tool execution failed")
	ErrCancelled            = errors.New("cancelled")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// CodeOf returns the taxonomy code for err. A nil error has no code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionLost):
		return CodeConnectionLost
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrTaskNotFound):
		return CodeTaskNotFound
	case errors.Is(err, ErrSessionBusy):
		return CodeSessionBusy
	case errors.Is(err, ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrToolExecutionFailed):
		return CodeToolExecutionFailed
	default:
		return CodeInternal
	}
}

// HTTPStatus maps a code to the status the REST API answers with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeSessionNotFound, CodeTaskNotFound:
		return http.StatusNotFound
	case CodeSessionBusy:
		return http.StatusTooManyRequests
	case CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeConnectionLost:
		return http.StatusServiceUnavailable
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeCancelled:
		return http.StatusConflict
	case CodeToolExecutionFailed, CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
