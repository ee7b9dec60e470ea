package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/npurt/internal/model"
)

// StatusError attaches a result code to a backend failure.
type StatusError struct {
	Code model.StatusCode
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Errorf builds a StatusError with a formatted message.
func Errorf(code model.StatusCode, format string, args ...any) error {
	return &StatusError{Code: code, Err: fmt.Errorf(format, args...)}
}

// StatusOf maps an error returned by Execute to a status code. A nil error is
// SUCCESS, context expiry is TIMEOUT, and any other untyped error is
// RUNTIME_ERROR.
func StatusOf(err error) model.StatusCode {
	if err == nil {
		return model.Success
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Timeout
	}
	return model.RuntimeError
}
