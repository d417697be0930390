package engine

import (
	"errors"
	"fmt"
)

// ConfigError reports a point definition the engine refuses to run.
//
// Config errors are fatal at configuration time: an engine that returns one
// from Configure never reaches Running.
type ConfigError struct {
	// Code identifies the error category.
	Code ConfigErrorCode

	// Message is a human-readable description.
	Message string

	// Point names the offending point, when there is one.
	Point string

	// Err is the underlying cause (a backend error, a validation error).
	Err error
}

// ConfigErrorCode categorizes configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeDuplicateName indicates two points share a name.
	ErrCodeDuplicateName ConfigErrorCode = "DUPLICATE_NAME"

	// ErrCodeDuplicateRef indicates two points map to the same backend line.
	ErrCodeDuplicateRef ConfigErrorCode = "DUPLICATE_REF"

	// ErrCodeUnresolvedRef indicates no backend can serve a hardware_ref.
	ErrCodeUnresolvedRef ConfigErrorCode = "UNRESOLVED_REF"

	// ErrCodeInvalidPoint indicates a point failed field validation.
	ErrCodeInvalidPoint ConfigErrorCode = "INVALID_POINT"

	// ErrCodeInitWriteFailed indicates an output could not reach its initial state.
	ErrCodeInitWriteFailed ConfigErrorCode = "INIT_WRITE_FAILED"

	// ErrCodeConfigBackendInit indicates a backend failed to initialize during Configure.
	ErrCodeConfigBackendInit ConfigErrorCode = "BACKEND_INIT_FAILED"

	// ErrCodeFrozen indicates the registry was already built.
	ErrCodeFrozen ConfigErrorCode = "FROZEN"
)

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Point != "" {
		msg += fmt.Sprintf(" (point=%s)", e.Point)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// EngineError reports a lifecycle failure.
type EngineError struct {
	Code    EngineErrorCode
	Message string

	// Details contains additional context (failed outputs, backends).
	Details map[string]string

	Err error
}

// EngineErrorCode categorizes lifecycle errors.
type EngineErrorCode string

const (
	// ErrCodeInvalidState indicates a lifecycle call in the wrong state.
	ErrCodeInvalidState EngineErrorCode = "INVALID_STATE"

	// ErrCodeBackendInit indicates a backend failed to (re)initialize on Start.
	ErrCodeBackendInit EngineErrorCode = "BACKEND_INIT_FAILED"

	// ErrCodeShutdownIncomplete indicates Stop finished but some fail-safe
	// writes or backend shutdowns failed.
	ErrCodeShutdownIncomplete EngineErrorCode = "SHUTDOWN_INCOMPLETE"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// IoError is the caller-facing error of Read, Write and Refresh.
type IoError struct {
	Code    IoErrorCode
	Point   string
	Message string
	Err     error
}

// IoErrorCode categorizes caller-facing I/O errors.
type IoErrorCode string

const (
	// ErrCodeUnknownPoint indicates no point has the requested name.
	ErrCodeUnknownPoint IoErrorCode = "UNKNOWN_POINT"

	// ErrCodeTypeMismatch indicates a write to an input or a value of the wrong domain.
	ErrCodeTypeMismatch IoErrorCode = "TYPE_MISMATCH"

	// ErrCodeNotRunning indicates the engine cannot serve the request in its current state.
	ErrCodeNotRunning IoErrorCode = "NOT_RUNNING"

	// ErrCodeBackend wraps a backend failure.
	ErrCodeBackend IoErrorCode = "BACKEND"
)

// Error implements the error interface.
func (e *IoError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Point != "" {
		msg += fmt.Sprintf(" (point=%s)", e.Point)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *IoError) Unwrap() error {
	return e.Err
}

// IsConfigError returns true if err is a ConfigError.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsDuplicateRef returns true if err is a duplicate hardware_ref error.
func IsDuplicateRef(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeDuplicateRef
	}
	return false
}

// IsUnknownPoint returns true if err reports an unknown point name.
func IsUnknownPoint(err error) bool {
	return ioCode(err) == ErrCodeUnknownPoint
}

// IsTypeMismatch returns true if err reports a type-mismatched write.
func IsTypeMismatch(err error) bool {
	return ioCode(err) == ErrCodeTypeMismatch
}

// IsNotRunning returns true if err reports an engine that cannot serve I/O.
func IsNotRunning(err error) bool {
	return ioCode(err) == ErrCodeNotRunning
}

// IsInvalidState returns true if err reports a lifecycle call in the wrong state.
func IsInvalidState(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeInvalidState
	}
	return false
}

func ioCode(err error) IoErrorCode {
	var ie *IoError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// ErrorCode extracts the string code of any engine error, or "" if err
// is not one. Used by outer layers to build structured responses.
func ErrorCode(err error) string {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return string(ce.Code)
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return string(ee.Code)
	}
	var ie *IoError
	if errors.As(err, &ie) {
		return string(ie.Code)
	}
	return ""
}
