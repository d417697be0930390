package point

import "fmt"

// IoType is the closed set of point kinds. It fixes both the value domain
// and the direction of a point.
type IoType string

const (
	DigitalInput  IoType = "digital_input"
	DigitalOutput IoType = "digital_output"
	AnalogInput   IoType = "analog_input"
	AnalogOutput  IoType = "analog_output"
)

// Valid reports whether t is one of the four known types.
func (t IoType) Valid() bool {
	switch t {
	case DigitalInput, DigitalOutput, AnalogInput, AnalogOutput:
		return true
	}
	return false
}

// IsInput reports whether points of this type are polled.
func (t IoType) IsInput() bool { return t == DigitalInput || t == AnalogInput }

// IsOutput reports whether points of this type accept writes.
func (t IoType) IsOutput() bool { return t == DigitalOutput || t == AnalogOutput }

// Kind returns the value domain of the type.
func (t IoType) Kind() Kind {
	if t == AnalogInput || t == AnalogOutput {
		return KindAnalog
	}
	return KindDigital
}

// ParseIoType converts a configuration string to an IoType.
func ParseIoType(s string) (IoType, error) {
	t := IoType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown io_type %q", s)
	}
	return t, nil
}

// IoPoint is the static configuration of one point.
// It is never mutated after registration.
type IoPoint struct {
	Name        string
	Type        IoType
	HardwareRef string
	Critical    bool

	// PullUp is a wiring hint for inputs, consumed at backend initialization.
	PullUp bool

	// InterruptEnabled is accepted for compatibility; the engine polls regardless.
	InterruptEnabled bool

	// InitialState is written exactly once during configuration (outputs only).
	// Nil means the zero value of the domain.
	InitialState Value

	// FailSafe is the value critical outputs are driven to on stop.
	// Nil means InitialState.
	FailSafe Value

	// Deadband overrides the engine default for analog points when non-nil.
	Deadband *float64

	Description string
	Tags        map[string]string
}

// EffectiveInitialState returns InitialState, or the domain zero value when unset.
func (p IoPoint) EffectiveInitialState() Value {
	if p.InitialState != nil {
		return p.InitialState
	}
	return Zero(p.Type.Kind())
}

// EffectiveFailSafe returns FailSafe, falling back to the effective initial state.
func (p IoPoint) EffectiveFailSafe() Value {
	if p.FailSafe != nil {
		return p.FailSafe
	}
	return p.EffectiveInitialState()
}

// Ref parses the point's hardware reference.
func (p IoPoint) Ref() (Ref, error) {
	return ParseRef(p.HardwareRef)
}
