package harness

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRunWithGolden_Testdata(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		s, err := LoadScenario(f)
		require.NoError(t, err)
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/failsafe_on_stop.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s := mustParse(t, `
name: wrong_expectations
description: every assertion here is false
points:
  - {name: door, io_type: digital_input, hardware_ref: sim.pin0, critical: true}
  - {name: lamp, io_type: digital_output, hardware_ref: sim.pin1}
steps:
  - set: {ref: sim.pin0, value: true}
  - tick: critical
assertions:
  - {type: event_count, point: door, count: 5}
  - {type: read, point: door, value: false}
  - {type: stale, point: door, value: true}
  - {type: consecutive_errors, point: door, count: 2}
  - {type: sim_value, ref: sim.pin1, value: true}
  - {type: read, point: ghost, value: true}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "5 change events for door")
	assert.Contains(t, result.Errors[0], "Actual: 1 change events")
	assert.Contains(t, result.Errors[0], "[1] step 2 door false -> true")
	assert.Contains(t, result.Errors[1], "door reads false")
	assert.Contains(t, result.Errors[2], "stale=false")
	assert.Contains(t, result.Errors[3], "Actual: 0")
	assert.Contains(t, result.Errors[4], "line sim.pin1 holds true")
	assert.Contains(t, result.Errors[5], "UNKNOWN_POINT")
}

func TestRun_UnexpectedStepErrors(t *testing.T) {
	s := mustParse(t, `
name: step_errors
description: mismatched step outcomes fail the scenario but keep running
points:
  - {name: lamp, io_type: digital_output, hardware_ref: sim.pin1}
steps:
  - write: {point: lamp, value: 3}
  - write: {point: lamp, value: true}
    expect_error: TYPE_MISMATCH
  - write: {point: lamp, value: false}
assertions:
  - {type: sim_value, ref: sim.pin1, value: false}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[1] write: unexpected error")
	assert.Contains(t, result.Errors[1], "steps[2] write: expected error TYPE_MISMATCH, got success")
	assert.Equal(t, 2, result.EventCount("lamp"))
}

func TestRun_FatalFaultDisablesPoint(t *testing.T) {
	s := mustParse(t, `
name: fatal_fault
description: a fatal read error disables the point
points:
  - {name: flow, io_type: analog_input, hardware_ref: sim.ai3}
steps:
  - fault: {ref: sim.ai3, fatal: true, message: "no such register"}
  - tick: normal
  - clear_fault: sim.ai3
  - tick: normal
    repeat: 3
  - refresh: flow
    expect_error: BACKEND
assertions:
  - {type: stale, point: flow, value: true}
  - {type: consecutive_errors, point: flow, count: 1}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	h, ok := result.Final.Point("flow")
	require.True(t, ok)
	assert.True(t, h.Fatal)
	assert.Contains(t, h.LastError, "no such register")
}

func TestRun_RefreshRecordsValue(t *testing.T) {
	s := mustParse(t, `
name: refresh
description: refresh reads hardware between ticks
points:
  - {name: level, io_type: analog_input, hardware_ref: sim.ai0}
steps:
  - set: {ref: sim.ai0, value: 7.5}
  - refresh: level
assertions:
  - {type: read, point: level, value: 7.5}
  - {type: event_count, point: level, count: 1}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	last := result.Trace[1]
	assert.Equal(t, ActionRefresh, last.Action)
	assert.Equal(t, 7.5, last.Value)
	require.Len(t, result.Events, 1)
	assert.Equal(t, point.Analog(7.5), result.Events[0].New)
}

func TestRun_ConfigErrorMismatch(t *testing.T) {
	s := mustParse(t, `
name: not_a_duplicate
description: configure succeeds, so the expected error is missing
points:
  - {name: door, io_type: digital_input, hardware_ref: sim.pin0}
config_error: DUPLICATE_NAME
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected error DUPLICATE_NAME, got success")
}

func TestRun_ScenarioErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unsupported value",
			yaml: "steps: [{set: {ref: sim.pin0, value: [1]}}]",
			want: "step 1: set value",
		},
		{
			name: "malformed ref",
			yaml: "steps: [{tick: normal}, {fault: {ref: 'sim..x'}}]",
			want: "step 2: fault ref",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustParse(t, "name: x\ndescription: y\npoints: [{name: door, io_type: digital_input, hardware_ref: sim.pin0}]\n"+
				tt.yaml+"\nassertions: [{type: event_count, count: 0}]\n")
			_, err := Run(s)
			require.Error(t, err)
			var se *ScenarioError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_InvalidPointValue(t *testing.T) {
	s := mustParse(t, `
name: bad_initial
description: initial_state of an unsupported type
points:
  - {name: lamp, io_type: digital_output, hardware_ref: sim.pin1, initial_state: "on"}
steps:
  - tick: normal
assertions:
  - {type: event_count, count: 0}
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "points[0]")
}

func TestRun_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := LoadScenario("testdata/scenarios/door_flips.yaml")
	require.NoError(t, err)
	_, err = Run(s, WithLogger(logger))
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "scenario step executed"))
	assert.True(t, strings.Contains(buf.String(), "engine started"))
}
