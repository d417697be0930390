package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
	"github.com/ValorenceCLE/iocontrol/internal/testutil"
)

// harnessBuffer is the subscriber buffer used unless a scenario sets one,
// large enough that a single step never overflows it.
const harnessBuffer = 4096

// ScenarioError reports a scenario that cannot be executed (bad value,
// malformed ref). It is distinct from a failed expectation.
type ScenarioError struct {
	Step    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ScenarioError) Error() string {
	msg := fmt.Sprintf("step %d: %s", e.Step, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ScenarioError) Unwrap() error { return e.Err }

// Harness is the test execution engine.
// It runs one scenario against a fresh engine and simulated backend with
// a manual clock, explicit ticks and sequential subscription ids.
type Harness struct {
	engine *engine.Engine
	sim    *backend.Simulated
	clock  *testutil.ManualClock
	sub    *engine.Subscription
	logger *slog.Logger

	critical time.Duration
	normal   time.Duration
}

// Option configures a scenario run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger routes engine and harness logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Build a simulated backend and an engine with a manual clock
// 2. Configure (checking config_error when set) and Start
// 3. Execute steps, draining change events after each one
// 4. Evaluate assertions, then stop the engine if still running
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	points := make([]point.IoPoint, 0, len(scenario.Points))
	for i, spec := range scenario.Points {
		p, err := spec.Point()
		if err != nil {
			return nil, fmt.Errorf("points[%d]: %w", i, err)
		}
		points = append(points, p)
	}

	h := &Harness{
		sim:      backend.NewSimulated(),
		clock:    testutil.NewManualClock(time.Time{}),
		logger:   cfg.logger,
		critical: engine.DefaultCriticalInterval,
		normal:   engine.DefaultNormalInterval,
	}
	if d := scenario.Engine.CriticalInterval; d != nil {
		h.critical = d.Std()
	}
	if d := scenario.Engine.NormalInterval; d != nil {
		h.normal = d.Std()
	}

	engineOpts := scenario.Engine.Options()
	if scenario.Engine.SubscriberBuffer == nil {
		engineOpts = append(engineOpts, engine.WithSubscriberBuffer(harnessBuffer))
	}
	// CRITICAL: the periodic loops must never fire on their own; the
	// harness owns every poll pass through Tick.
	engineOpts = append(engineOpts,
		engine.WithBackend("sim", h.sim),
		engine.WithCriticalInterval(time.Hour),
		engine.WithNormalInterval(time.Hour),
		engine.WithNow(h.clock.Now),
		engine.WithIDGenerator(testutil.NewSequentialIDs("sub")),
		engine.WithLogger(cfg.logger),
	)
	h.engine = engine.New(engineOpts...)
	h.sub = h.engine.Subscribe(nil)

	ctx := context.Background()
	result := NewResult()

	err := h.engine.Configure(ctx, points)
	if scenario.ConfigError != "" {
		code := errorCode(err)
		result.AddStepTrace(0, h.clock.Now(), "configure", "", nil, code)
		if code != scenario.ConfigError {
			result.AddError(fmt.Sprintf("configure: expected error %s, got %s", scenario.ConfigError, describe(err)))
		}
		result.Final = h.engine.MetricsSnapshot()
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("configure: %w", err)
	}
	if err := h.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	defer func() {
		if h.engine.State() == engine.StateRunning {
			_ = h.engine.Stop(ctx)
		}
	}()
	h.drain(0, result)

	for i, step := range scenario.Steps {
		index := i + 1
		runs := max(step.Repeat, 1)
		for range runs {
			target, value, err := h.execute(ctx, step)
			var se *ScenarioError
			if errors.As(err, &se) {
				se.Step = index
				return nil, se
			}

			code := errorCode(err)
			result.AddStepTrace(index, h.clock.Now(), step.Action(), target, value, code)
			checkStepError(result, index, step, err, code)
			h.drain(index, result)

			h.logger.Debug("scenario step executed",
				"scenario", scenario.Name,
				"step", index,
				"action", step.Action(),
				"target", target,
				"error", code)
		}
	}

	result.Final = h.engine.MetricsSnapshot()
	actx := &AssertionContext{Engine: h.engine, Sim: h.sim}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step and returns the trace target and value.
func (h *Harness) execute(ctx context.Context, step Step) (string, any, error) {
	switch step.Action() {
	case ActionSet:
		v, err := point.FromNative(step.Set.Value)
		if err != nil {
			return "", nil, &ScenarioError{Message: "set value", Err: err}
		}
		ref, err := point.ParseRef(step.Set.Ref)
		if err != nil {
			return "", nil, &ScenarioError{Message: "set ref", Err: err}
		}
		h.sim.Set(ref.String(), v)
		return ref.String(), point.Native(v), nil

	case ActionFault:
		ref, err := point.ParseRef(step.Fault.Ref)
		if err != nil {
			return "", nil, &ScenarioError{Message: "fault ref", Err: err}
		}
		cause := backend.ErrInjected
		if step.Fault.Message != "" {
			cause = errors.New(step.Fault.Message)
		}
		severity := backend.SeverityTransient
		if step.Fault.Fatal {
			severity = backend.SeverityFatal
		}
		h.sim.InjectFault(ref.String(), &backend.Error{Severity: severity, Op: "io", Ref: ref.String(), Err: cause}, step.Fault.Count)
		return ref.String(), string(severity), nil

	case ActionClearFault:
		ref, err := point.ParseRef(step.ClearFault)
		if err != nil {
			return "", nil, &ScenarioError{Message: "clear_fault ref", Err: err}
		}
		h.sim.ClearFault(ref.String())
		return ref.String(), nil, nil

	case ActionTick:
		g, err := engine.ParseGroup(step.Tick)
		if err != nil {
			return "", nil, &ScenarioError{Message: "tick group", Err: err}
		}
		if g == engine.GroupCritical {
			h.clock.Advance(h.critical)
		} else {
			h.clock.Advance(h.normal)
		}
		return g.String(), nil, h.engine.Tick(ctx, g)

	case ActionWrite:
		v, err := point.FromNative(step.Write.Value)
		if err != nil {
			return "", nil, &ScenarioError{Message: "write value", Err: err}
		}
		return step.Write.Point, point.Native(v), h.engine.Write(ctx, step.Write.Point, v)

	case ActionRefresh:
		v, err := h.engine.Refresh(ctx, step.Refresh)
		return step.Refresh, point.Native(v), err

	case ActionStop:
		return "", nil, h.engine.Stop(ctx)

	default:
		return "", nil, &ScenarioError{Message: "step has no single action"}
	}
}

// drain moves every buffered change event into the result. Events are
// published synchronously by the step that caused them, so the buffer is
// complete when the step returns.
func (h *Harness) drain(step int, result *Result) {
	for {
		select {
		case ev, ok := <-h.sub.C():
			if !ok {
				return
			}
			result.AddChangeTrace(step, ev)
		default:
			return
		}
	}
}

func checkStepError(result *Result, index int, step Step, err error, code string) {
	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Action(), err))
	case step.ExpectError != "" && code != step.ExpectError:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got %s", index, step.Action(), step.ExpectError, describe(err)))
	}
}

// errorCode returns the engine error code of err, "ERROR" for other
// errors and "" for nil.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var ioErr *engine.IoError
	if errors.As(err, &ioErr) {
		return string(ioErr.Code)
	}
	var cfgErr *engine.ConfigError
	if errors.As(err, &cfgErr) {
		return string(cfgErr.Code)
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		return string(engErr.Code)
	}
	return "ERROR"
}

func describe(err error) string {
	if err == nil {
		return "success"
	}
	return err.Error()
}
