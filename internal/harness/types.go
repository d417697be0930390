package harness

import (
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
	"github.com/ValorenceCLE/iocontrol/internal/testutil"
)

// Trace event types.
const (
	TraceStep   = "step"
	TraceChange = "change"
)

// TraceEvent is one entry of a scenario trace: either an executed step or
// a change event the engine emitted while running it.
type TraceEvent struct {
	Type string `json:"type"` // "step" or "change"

	// Step is the 1-based index of the scenario step; 0 is configuration.
	Step int `json:"step"`

	// AtMs is the harness clock in milliseconds since testutil.Epoch.
	AtMs int64 `json:"at_ms"`

	// Step fields.
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`

	// Change fields.
	Seq   int64  `json:"seq,omitempty"`
	Point string `json:"point,omitempty"`
	Old   any    `json:"old,omitempty"`
	New   any    `json:"new,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success: every step behaved as expected
	// and every assertion matched.
	Pass bool `json:"pass"`

	// Trace contains executed steps and change events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Events are the change events received, in seq order.
	Events []engine.Event `json:"-"`

	// Final is the metrics snapshot taken after the last step.
	Final engine.Snapshot `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Events: []engine.Event{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace adds an executed step to the trace.
func (r *Result) AddStepTrace(step int, at time.Time, action, target string, value any, code string) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   TraceStep,
		Step:   step,
		AtMs:   sinceEpoch(at),
		Action: action,
		Target: target,
		Value:  value,
		Error:  code,
	})
}

// AddChangeTrace records a change event emitted during step.
func (r *Result) AddChangeTrace(step int, ev engine.Event) {
	r.Events = append(r.Events, ev)
	r.Trace = append(r.Trace, TraceEvent{
		Type:  TraceChange,
		Step:  step,
		AtMs:  sinceEpoch(ev.Timestamp),
		Seq:   ev.Seq,
		Point: ev.Name,
		Old:   point.Native(ev.Old),
		New:   point.Native(ev.New),
	})
}

// EventCount returns how many change events name received; an empty name
// counts all events.
func (r *Result) EventCount(name string) int {
	n := 0
	for _, ev := range r.Events {
		if name == "" || ev.Name == name {
			n++
		}
	}
	return n
}

func sinceEpoch(t time.Time) int64 {
	return t.Sub(testutil.Epoch).Milliseconds()
}
