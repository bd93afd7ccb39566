package job

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidTransition is returned when a state change violates
// queued -> running -> {succeeded, failed}.
var ErrInvalidTransition = errors.New("invalid job state transition")

// ErrQueueClosed is returned by queues after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// Error is a failure carrying the HTTP-class code surfaced in the envelope.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BadRequest builds a 400-class error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a 404-class error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps err as a 500-class error.
func Internal(err error) *Error {
	return &Error{Code: http.StatusInternalServerError, Message: err.Error(), Err: err}
}

// CodeOf maps any error to the HTTP code reported for it.
func CodeOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var jobErr *Error
	if errors.As(err, &jobErr) && jobErr.Code != 0 {
		return jobErr.Code
	}
	return http.StatusInternalServerError
}

// AsError converts err into an *Error, keeping an existing code when present.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: http.StatusInternalServerError, Message: "job timed out", Err: err}
	}
	return Internal(err)
}
