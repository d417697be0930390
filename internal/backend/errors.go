package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Severity classifies a backend failure for the retry policy.
type Severity string

const (
	// SeverityTransient failures (timeouts, NACKs) are retried on the next poll.
	SeverityTransient Severity = "transient"
	// SeverityFatal failures (bad address, unknown line) are never retried.
	SeverityFatal Severity = "fatal"
)

// Error is the error type returned by backends.
type Error struct {
	Severity Severity
	Op       string // resolve, initialize, read, write, shutdown
	Ref      string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("%s %s: %v", e.Severity, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Severity, e.Op, e.Ref, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a retryable error.
func Transient(op string, ref point.Ref, err error) *Error {
	return &Error{Severity: SeverityTransient, Op: op, Ref: refString(ref), Err: err}
}

// Fatal builds a non-retryable error.
func Fatal(op string, ref point.Ref, err error) *Error {
	return &Error{Severity: SeverityFatal, Op: op, Ref: refString(ref), Err: err}
}

func refString(ref point.Ref) string {
	if ref.IsZero() {
		return ""
	}
	return ref.String()
}

// Classify returns the severity of err. Errors that are not *Error are
// treated as transient.
func Classify(err error) Severity {
	var be *Error
	if errors.As(err, &be) {
		return be.Severity
	}
	return SeverityTransient
}

// IsFatal reports whether err is a fatal backend error.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == SeverityFatal
}

// IsTransient reports whether err is a retryable backend error.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == SeverityTransient
}

// IsTimeout reports whether err stems from a context deadline or an
// abandoned transaction.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// ErrTimeout is wrapped by transient errors raised when a transaction
// exceeds its bounded wait.
var ErrTimeout = errors.New("transaction timed out")
