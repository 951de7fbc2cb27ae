package report

import (
	"errors"
	"fmt"
)

// Error is an expected operational failure: bad team code, empty history,
// upstream auth or publish trouble. Its message is shown to the user as-is,
// unlike unexpected failures which carry diagnostics.
type Error struct {
	msg string
	err error
}

// Errorf builds an operational error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an operational error message.
func Wrap(err error, format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// IsOperational reports whether err is an expected, user-facing failure.
func IsOperational(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// ErrCancelled aborts generation when a cancellation request is observed at
// a safe point.
var ErrCancelled = errors.New("report generation cancelled")
