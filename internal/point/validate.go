package point

import (
	"fmt"
	"math"
	"regexp"
)

// Validation error codes.
const (
	ErrNameEmpty        = "P101" // name is required
	ErrNameInvalid      = "P102" // name does not match the identifier pattern
	ErrInvalidType      = "P103" // io_type is not one of the known types
	ErrInvalidRef       = "P104" // hardware_ref is malformed
	ErrStateTypeInvalid = "P105" // initial_state or fail_safe does not match the value domain
	ErrDeadbandInvalid  = "P106" // deadband is negative, non-finite or on a digital point
)

// MaxNameLength bounds point names.
const MaxNameLength = 64

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ValidationError describes one problem with a point definition.
type ValidationError struct {
	Point   string `json:"point"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Point == "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] point %q: %s: %s", e.Code, e.Point, e.Field, e.Message)
}

// Validate checks a single point definition in isolation.
// Returns all errors found (does not fail-fast). Cross-point rules such as
// name and ref uniqueness belong to the registry.
//
// InitialState on an input and PullUp on an output are tolerated here;
// the config layer reports them as informational issues.
func Validate(p IoPoint) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Point:   p.Name,
			Field:   field,
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		})
	}

	switch {
	case p.Name == "":
		add("name", ErrNameEmpty, "name is required")
	case len(p.Name) > MaxNameLength:
		add("name", ErrNameInvalid, "name exceeds %d characters", MaxNameLength)
	case !namePattern.MatchString(p.Name):
		add("name", ErrNameInvalid, "name must start with a letter and contain only letters, digits and underscores")
	}

	if !p.Type.Valid() {
		add("io_type", ErrInvalidType, "unknown io_type %q", string(p.Type))
	}

	if _, err := ParseRef(p.HardwareRef); err != nil {
		add("hardware_ref", ErrInvalidRef, "%v", err)
	}

	if p.Type.Valid() {
		want := p.Type.Kind()
		if p.InitialState != nil && p.InitialState.Kind() != want {
			add("initial_state", ErrStateTypeInvalid, "expected %s value, got %s", want, p.InitialState.Kind())
		}
		if p.FailSafe != nil && p.FailSafe.Kind() != want {
			add("fail_safe", ErrStateTypeInvalid, "expected %s value, got %s", want, p.FailSafe.Kind())
		}
		if p.Deadband != nil {
			d := *p.Deadband
			switch {
			case want != KindAnalog:
				add("deadband", ErrDeadbandInvalid, "deadband applies to analog points only")
			case d < 0 || math.IsNaN(d) || math.IsInf(d, 0):
				add("deadband", ErrDeadbandInvalid, "deadband must be a finite non-negative number")
			}
		}
	}

	return errs
}
