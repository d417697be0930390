package point

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Digital(true)
	var _ Value = Analog(1.5)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, Digital(false)))
	assert.False(t, Equal(Analog(0), nil))
	assert.True(t, Equal(Digital(true), Digital(true)))
	assert.False(t, Equal(Digital(true), Digital(false)))
	assert.True(t, Equal(Analog(2.5), Analog(2.5)))
	// Different domains never compare equal, even with the same "zero".
	assert.False(t, Equal(Digital(false), Analog(0)))
}

func TestFromNative(t *testing.T) {
	tests := []struct {
		in   any
		want Value
	}{
		{nil, nil},
		{true, Digital(true)},
		{false, Digital(false)},
		{3, Analog(3)},
		{int64(-2), Analog(-2)},
		{uint64(7), Analog(7)},
		{float32(0.5), Analog(0.5)},
		{1.25, Analog(1.25)},
	}
	for _, tt := range tests {
		got, err := FromNative(tt.in)
		require.NoError(t, err, "input %v", tt.in)
		assert.Equal(t, tt.want, got, "input %v", tt.in)
	}

	_, err := FromNative("on")
	assert.Error(t, err)
	_, err = FromNative(math.NaN())
	assert.Error(t, err)
	_, err = FromNative(math.Inf(1))
	assert.Error(t, err)
}

func TestNative(t *testing.T) {
	assert.Equal(t, true, Native(Digital(true)))
	assert.Equal(t, 4.5, Native(Analog(4.5)))
	assert.Nil(t, Native(nil))
}

func TestParseValue(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "1", "on", "High", " true "} {
		v, err := ParseValue(s, KindDigital)
		require.NoError(t, err, s)
		assert.Equal(t, Digital(true), v, s)
	}
	for _, s := range []string{"false", "0", "OFF", "low"} {
		v, err := ParseValue(s, KindDigital)
		require.NoError(t, err, s)
		assert.Equal(t, Digital(false), v, s)
	}
	_, err := ParseValue("maybe", KindDigital)
	assert.Error(t, err)

	v, err := ParseValue("12.75", KindAnalog)
	require.NoError(t, err)
	assert.Equal(t, Analog(12.75), v)

	_, err = ParseValue("abc", KindAnalog)
	assert.Error(t, err)
	_, err = ParseValue("NaN", KindAnalog)
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "unknown", Format(nil))
	assert.Equal(t, "true", Format(Digital(true)))
	assert.Equal(t, "0.25", Format(Analog(0.25)))
}

func TestIoType(t *testing.T) {
	assert.True(t, DigitalInput.IsInput())
	assert.True(t, AnalogInput.IsInput())
	assert.False(t, DigitalOutput.IsInput())
	assert.True(t, AnalogOutput.IsOutput())
	assert.Equal(t, KindAnalog, AnalogOutput.Kind())
	assert.Equal(t, KindDigital, DigitalInput.Kind())
	assert.False(t, IoType("relay").Valid())

	typ, err := ParseIoType("analog_input")
	require.NoError(t, err)
	assert.Equal(t, AnalogInput, typ)
	_, err = ParseIoType("relay")
	assert.Error(t, err)
}

func TestEffectiveStates(t *testing.T) {
	p := IoPoint{Name: "valve", Type: DigitalOutput, HardwareRef: "sim.pin1"}
	assert.Equal(t, Digital(false), p.EffectiveInitialState())
	assert.Equal(t, Digital(false), p.EffectiveFailSafe())

	p.InitialState = Digital(true)
	assert.Equal(t, Digital(true), p.EffectiveFailSafe(), "fail-safe defaults to initial_state")

	p.FailSafe = Digital(false)
	assert.Equal(t, Digital(false), p.EffectiveFailSafe())

	a := IoPoint{Name: "setpoint", Type: AnalogOutput, HardwareRef: "sim.ao0"}
	assert.Equal(t, Analog(0), a.EffectiveInitialState())
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantStr string
	}{
		{"sim.pin0", Ref{Backend: "sim", Bus: "sim", Line: "pin0"}, "sim.sim.pin0"},
		{"mcp.chip0.pin8", Ref{Backend: "mcp", Bus: "chip0", Line: "pin8"}, "mcp.chip0.pin8"},
		{"MCP.Chip0.PIN8", Ref{Backend: "mcp", Bus: "chip0", Line: "pin8"}, "mcp.chip0.pin8"},
		{"plc.unit-1.hr_100", Ref{Backend: "plc", Bus: "unit-1", Line: "hr_100"}, "plc.unit-1.hr_100"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantStr, got.String())
		})
	}
}

func TestParseRefDefaultBusIdentity(t *testing.T) {
	short := MustParseRef("sim.pin0")
	long := MustParseRef("sim.sim.pin0")
	assert.Equal(t, short, long)
	assert.Equal(t, "sim.sim", short.BusKey())
}

func TestParseRefErrors(t *testing.T) {
	for _, in := range []string{"", "sim", "a.b.c.d", "sim..pin0", "sim.pin 0", "sim.pin0."} {
		_, err := ParseRef(in)
		assert.Error(t, err, "input %q", in)
	}
	assert.Panics(t, func() { MustParseRef("nope") })
	assert.True(t, Ref{}.IsZero())
}

func TestValidate(t *testing.T) {
	valid := IoPoint{Name: "door_sensor", Type: DigitalInput, HardwareRef: "sim.pin0", Critical: true}
	assert.Empty(t, Validate(valid))

	db := 0.5
	analog := IoPoint{Name: "tank_level", Type: AnalogInput, HardwareRef: "sim.ai0", Deadband: &db}
	assert.Empty(t, Validate(analog))
}

func TestValidateErrors(t *testing.T) {
	neg := -1.0
	one := 1.0
	tests := []struct {
		name  string
		point IoPoint
		code  string
		field string
	}{
		{"empty name", IoPoint{Type: DigitalInput, HardwareRef: "sim.pin0"}, ErrNameEmpty, "name"},
		{"bad name", IoPoint{Name: "9lives", Type: DigitalInput, HardwareRef: "sim.pin0"}, ErrNameInvalid, "name"},
		{"long name", IoPoint{Name: longName() + "a", Type: DigitalInput, HardwareRef: "sim.pin0"}, ErrNameInvalid, "name"},
		{"bad type", IoPoint{Name: "x", Type: "relay", HardwareRef: "sim.pin0"}, ErrInvalidType, "io_type"},
		{"bad ref", IoPoint{Name: "x", Type: DigitalInput, HardwareRef: "pin0"}, ErrInvalidRef, "hardware_ref"},
		{"initial mismatch", IoPoint{Name: "x", Type: DigitalOutput, HardwareRef: "sim.pin0", InitialState: Analog(1)}, ErrStateTypeInvalid, "initial_state"},
		{"fail-safe mismatch", IoPoint{Name: "x", Type: AnalogOutput, HardwareRef: "sim.ao0", FailSafe: Digital(true)}, ErrStateTypeInvalid, "fail_safe"},
		{"negative deadband", IoPoint{Name: "x", Type: AnalogInput, HardwareRef: "sim.ai0", Deadband: &neg}, ErrDeadbandInvalid, "deadband"},
		{"digital deadband", IoPoint{Name: "x", Type: DigitalInput, HardwareRef: "sim.pin0", Deadband: &one}, ErrDeadbandInvalid, "deadband"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.point)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.code, errs[0].Code)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.NotEmpty(t, errs[0].Error())
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	errs := Validate(IoPoint{Type: "relay", HardwareRef: "x"})
	assert.Len(t, errs, 3)
}

func longName() string {
	b := make([]byte, MaxNameLength)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
