package harness

import (
	"fmt"
	"strings"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nChange events:\n")
		for _, event := range e.Trace {
			if event.Type == TraceChange {
				fmt.Fprintf(&buf, "  [%d] step %d %s %v -> %v\n", event.Seq, event.Step, event.Point, event.Old, event.New)
			}
		}
	}
	return buf.String()
}

// AssertionContext provides the live engine and hardware for state
// assertions.
type AssertionContext struct {
	Engine *engine.Engine
	Sim    *backend.Simulated
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEventCount:
			err = assertEventCount(result, assertion)
		case AssertRead, AssertStale, AssertConsecutiveErrors, AssertSimValue:
			if actx == nil || actx.Engine == nil || actx.Sim == nil {
				err = fmt.Errorf("assertion[%d]: %s requires an engine context", i, assertion.Type)
				break
			}
			err = assertState(result, assertion, actx)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertEventCount checks the number of change events for a point, or in
// total when no point is named.
func assertEventCount(result *Result, a Assertion) error {
	want := 0
	if a.Count != nil {
		want = *a.Count
	}
	got := result.EventCount(a.Point)
	if got == want {
		return nil
	}
	subject := "all points"
	if a.Point != "" {
		subject = a.Point
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%d change events for %s", want, subject),
		Actual:   fmt.Sprintf("%d change events", got),
		Trace:    result.Trace,
	}
}

func assertState(result *Result, a Assertion, actx *AssertionContext) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: result.Trace}
	}

	switch a.Type {
	case AssertRead:
		want, err := point.FromNative(a.Value)
		if err != nil {
			return fmt.Errorf("read %s: %w", a.Point, err)
		}
		got, err := actx.Engine.Read(a.Point)
		if err != nil {
			return fail(fmt.Sprintf("%s reads %s", a.Point, format(want)), err.Error())
		}
		if !point.Equal(got, want) {
			return fail(fmt.Sprintf("%s reads %s", a.Point, format(want)), format(got))
		}

	case AssertStale:
		want, _ := a.Value.(bool)
		h, err := actx.Engine.Health(a.Point)
		if err != nil {
			return fail(fmt.Sprintf("%s stale=%t", a.Point, want), err.Error())
		}
		if h.Stale != want {
			return fail(fmt.Sprintf("%s stale=%t", a.Point, want), fmt.Sprintf("stale=%t", h.Stale))
		}

	case AssertConsecutiveErrors:
		want := *a.Count
		h, err := actx.Engine.Health(a.Point)
		if err != nil {
			return fail(fmt.Sprintf("%s has %d consecutive errors", a.Point, want), err.Error())
		}
		if h.ConsecutiveErrors != want {
			return fail(fmt.Sprintf("%s has %d consecutive errors", a.Point, want), fmt.Sprintf("%d", h.ConsecutiveErrors))
		}

	case AssertSimValue:
		want, err := point.FromNative(a.Value)
		if err != nil {
			return fmt.Errorf("sim_value %s: %w", a.Ref, err)
		}
		got := actx.Sim.Get(a.Ref)
		if !point.Equal(got, want) {
			return fail(fmt.Sprintf("line %s holds %s", a.Ref, format(want)), format(got))
		}
	}
	return nil
}

func format(v point.Value) string {
	if v == nil {
		return "unknown"
	}
	return v.String()
}
