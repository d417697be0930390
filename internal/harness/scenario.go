package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ValorenceCLE/iocontrol/internal/config"
	"github.com/ValorenceCLE/iocontrol/internal/engine"
)

// Scenario defines a deterministic engine test.
// A scenario configures an engine over a simulated backend, drives it
// through a list of steps and asserts on the resulting events and state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Engine overrides engine parameters. Poll intervals are ignored:
	// the harness steps the engine explicitly.
	Engine config.EngineSection `yaml:"engine,omitempty"`

	// Points are the io_points the engine is configured with. Hardware
	// refs must use the "sim" backend.
	Points []config.PointSpec `yaml:"points"`

	// ConfigError, when set, is the error code Configure must fail with.
	// Steps are not run for such scenarios.
	ConfigError string `yaml:"config_error,omitempty"`

	// Steps drive the engine in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action against the engine or the simulated hardware.
// Exactly one action field must be set.
type Step struct {
	// Set changes a simulated line, as if the field wiring changed.
	Set *SetStep `yaml:"set,omitempty"`

	// Fault injects a failure on a simulated line.
	Fault *FaultStep `yaml:"fault,omitempty"`

	// ClearFault removes the fault on a line ref.
	ClearFault string `yaml:"clear_fault,omitempty"`

	// Tick runs one poll pass of a group: "critical" or "normal".
	Tick string `yaml:"tick,omitempty"`

	// Write commands an output.
	Write *WriteStep `yaml:"write,omitempty"`

	// Refresh forces a hardware read of the named point.
	Refresh string `yaml:"refresh,omitempty"`

	// Stop stops the engine, driving fail-safe values.
	Stop bool `yaml:"stop,omitempty"`

	// Repeat runs a tick or refresh step this many times (default 1).
	Repeat int `yaml:"repeat,omitempty"`

	// ExpectError is the error code the step must fail with. Empty means
	// the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// SetStep sets a simulated line value.
type SetStep struct {
	Ref   string `yaml:"ref"`
	Value any    `yaml:"value"`
}

// FaultStep injects a failure on a simulated line.
type FaultStep struct {
	Ref string `yaml:"ref"`

	// Fatal makes the failure non-retryable.
	Fatal bool `yaml:"fatal,omitempty"`

	// Count limits the fault to the next Count calls; 0 means until cleared.
	Count int `yaml:"count,omitempty"`

	// Message is the injected error text (default "injected fault").
	Message string `yaml:"message,omitempty"`
}

// WriteStep commands an output.
type WriteStep struct {
	Point string `yaml:"point"`
	Value any    `yaml:"value"`
}

// Step action names, as they appear in traces.
const (
	ActionSet        = "set"
	ActionFault      = "fault"
	ActionClearFault = "clear_fault"
	ActionTick       = "tick"
	ActionWrite      = "write"
	ActionRefresh    = "refresh"
	ActionStop       = "stop"
)

// Action returns the name of the step's action, or "" if none or more
// than one action field is set.
func (s Step) Action() string {
	var actions []string
	if s.Set != nil {
		actions = append(actions, ActionSet)
	}
	if s.Fault != nil {
		actions = append(actions, ActionFault)
	}
	if s.ClearFault != "" {
		actions = append(actions, ActionClearFault)
	}
	if s.Tick != "" {
		actions = append(actions, ActionTick)
	}
	if s.Write != nil {
		actions = append(actions, ActionWrite)
	}
	if s.Refresh != "" {
		actions = append(actions, ActionRefresh)
	}
	if s.Stop {
		actions = append(actions, ActionStop)
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// Assertion validates final trace or state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "event_count": Point (optional) received exactly Count change events
	// - "read": Read(Point) returns Value (null means unknown)
	// - "stale": Point's stale flag equals Value
	// - "consecutive_errors": Point's consecutive error count equals Count
	// - "sim_value": simulated line Ref holds Value
	Type string `yaml:"type"`

	Point string `yaml:"point,omitempty"`
	Ref   string `yaml:"ref,omitempty"`
	Count *int   `yaml:"count,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertEventCount        = "event_count"
	AssertRead              = "read"
	AssertStale             = "stale"
	AssertConsecutiveErrors = "consecutive_errors"
	AssertSimValue          = "sim_value"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Points) == 0 {
		return fmt.Errorf("points list is required and must be non-empty")
	}
	if s.ConfigError == "" && len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.ConfigError == "" && len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	action := s.Action()
	if action == "" {
		return fmt.Errorf("steps[%d]: exactly one of set, fault, clear_fault, tick, write, refresh, stop is required", index)
	}
	if s.Repeat < 0 {
		return fmt.Errorf("steps[%d]: repeat must be non-negative", index)
	}
	if s.Repeat > 1 && action != ActionTick && action != ActionRefresh {
		return fmt.Errorf("steps[%d]: repeat applies only to tick and refresh", index)
	}

	switch action {
	case ActionSet:
		if s.Set.Ref == "" {
			return fmt.Errorf("steps[%d].set: ref is required", index)
		}
		if s.Set.Value == nil {
			return fmt.Errorf("steps[%d].set: value is required", index)
		}
	case ActionFault:
		if s.Fault.Ref == "" {
			return fmt.Errorf("steps[%d].fault: ref is required", index)
		}
		if s.Fault.Count < 0 {
			return fmt.Errorf("steps[%d].fault: count must be non-negative", index)
		}
	case ActionTick:
		if _, err := engine.ParseGroup(s.Tick); err != nil {
			return fmt.Errorf("steps[%d].tick: %w", index, err)
		}
	case ActionWrite:
		if s.Write.Point == "" {
			return fmt.Errorf("steps[%d].write: point is required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for event_count", index)
		}
	case AssertRead:
		if a.Point == "" {
			return fmt.Errorf("assertions[%d]: point is required for read", index)
		}
	case AssertStale:
		if a.Point == "" {
			return fmt.Errorf("assertions[%d]: point is required for stale", index)
		}
		if _, ok := a.Value.(bool); !ok {
			return fmt.Errorf("assertions[%d]: boolean value is required for stale", index)
		}
	case AssertConsecutiveErrors:
		if a.Point == "" {
			return fmt.Errorf("assertions[%d]: point is required for consecutive_errors", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for consecutive_errors", index)
		}
	case AssertSimValue:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: ref is required for sim_value", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
