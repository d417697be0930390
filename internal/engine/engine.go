package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Default timing and policy parameters.
const (
	DefaultCriticalInterval   = 50 * time.Millisecond
	DefaultNormalInterval     = 500 * time.Millisecond
	DefaultErrorThreshold     = 3
	DefaultTransactionTimeout = 250 * time.Millisecond
	DefaultFailSafeAttempts   = 3
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Group selects a poll cadence.
type Group int

const (
	GroupCritical Group = iota + 1
	GroupNormal
)

func (g Group) String() string {
	if g == GroupCritical {
		return "critical"
	}
	return "normal"
}

// ParseGroup converts "critical" or "normal" to a Group.
func ParseGroup(s string) (Group, error) {
	switch s {
	case "critical":
		return GroupCritical, nil
	case "normal":
		return GroupNormal, nil
	}
	return 0, fmt.Errorf("unknown poll group %q", s)
}

// Engine is the polling and dispatch engine.
//
// An Engine owns its registry, bus arbiter, point state and subscriptions.
// Several engines may run in one process; nothing is global.
//
// Lifecycle: New -> Configure -> Start -> Stop (-> Start -> Stop ...).
// Configure may be called once; reconfiguration requires a new Engine.
//
// Thread-safety model:
//   - Configure, Start, Stop: serialized against each other
//   - Read, Write, Refresh, Subscribe, MetricsSnapshot: safe from any goroutine
//   - The two group loops share state only through per-point locks and
//     the bus gates
type Engine struct {
	logger   *slog.Logger
	backends map[string]backend.Backend

	criticalInterval time.Duration
	normalInterval   time.Duration
	errorThreshold   int
	txTimeout        time.Duration
	deadband         float64
	subBuffer        int
	failSafeAttempts int
	ids              IDGenerator
	now              func() time.Time

	clock    *Clock
	notifier *notifier
	counters counters

	lifecycle sync.Mutex // serializes Configure, Start and Stop

	mu         sync.RWMutex // guards the fields below
	state      State
	reg        *registry
	arbiter    *busArbiter
	backendsUp bool
	cancel     context.CancelFunc
	startedAt  time.Time

	loops sync.WaitGroup // group loops
	ops   sync.WaitGroup // caller-issued operations in flight
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithBackend registers a backend under id. Hardware refs select it by
// their first segment.
func WithBackend(id string, b backend.Backend) EngineOption {
	return func(e *Engine) {
		e.backends[id] = b
	}
}

// WithCriticalInterval sets the critical-group poll period.
//
// Default: 50ms (DefaultCriticalInterval)
func WithCriticalInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.criticalInterval = d
	}
}

// WithNormalInterval sets the normal-group poll period.
//
// Default: 500ms (DefaultNormalInterval)
func WithNormalInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.normalInterval = d
	}
}

// WithErrorThreshold sets how many consecutive failures make a point stale.
//
// Default: 3 (DefaultErrorThreshold)
func WithErrorThreshold(n int) EngineOption {
	return func(e *Engine) {
		e.errorThreshold = n
	}
}

// WithTransactionTimeout bounds every backend call.
//
// Default: 250ms (DefaultTransactionTimeout)
func WithTransactionTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.txTimeout = d
	}
}

// WithDeadband sets the default analog dead-band. Points may override it.
//
// Default: 0.001 (DefaultDeadband)
func WithDeadband(d float64) EngineOption {
	return func(e *Engine) {
		e.deadband = d
	}
}

// WithSubscriberBuffer sets the per-subscription queue depth.
//
// Default: 64 (DefaultSubscriberBuffer)
func WithSubscriberBuffer(n int) EngineOption {
	return func(e *Engine) {
		e.subBuffer = n
	}
}

// WithFailSafeAttempts bounds the write attempts per critical output on Stop.
//
// Default: 3 (DefaultFailSafeAttempts)
func WithFailSafeAttempts(n int) EngineOption {
	return func(e *Engine) {
		e.failSafeAttempts = n
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithIDGenerator sets the subscription id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow sets the wall-clock source used for event and poll timestamps.
// Latency and bus utilization are always measured with the real clock.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithClock sets the logical clock that sequences events. Used to continue
// numbering after events already persisted.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates a stopped, unconfigured engine.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:           slog.Default(),
		backends:         make(map[string]backend.Backend),
		criticalInterval: DefaultCriticalInterval,
		normalInterval:   DefaultNormalInterval,
		errorThreshold:   DefaultErrorThreshold,
		txTimeout:        DefaultTransactionTimeout,
		deadband:         DefaultDeadband,
		subBuffer:        DefaultSubscriberBuffer,
		failSafeAttempts: DefaultFailSafeAttempts,
		ids:              UUIDv7Generator{},
		now:              time.Now,
		clock:            NewClock(),
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}

	if e.errorThreshold < 1 {
		e.errorThreshold = 1
	}
	if e.failSafeAttempts < 1 {
		e.failSafeAttempts = 1
	}
	e.notifier = newNotifier(e.clock, e.subBuffer)
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Configure builds and freezes the registry, initializes every referenced
// backend and writes each output's initial state exactly once.
//
// Any failure leaves the engine unconfigured: backends initialized here are
// shut down again and no point becomes visible to callers.
func (e *Engine) Configure(ctx context.Context, points []point.IoPoint) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.RLock()
	configured := e.reg != nil
	e.mu.RUnlock()
	if configured {
		return &ConfigError{Code: ErrCodeFrozen, Message: "engine already configured; create a new engine to reconfigure"}
	}

	reg := newRegistry(e.backends, e.deadband)
	for _, p := range points {
		if err := reg.register(p); err != nil {
			return err
		}
	}
	reg.freeze()

	arb := newBusArbiter(reg.buses(), time.Now)
	for _, en := range reg.order {
		en.gate = arb.gates[en.bus]
	}

	if err := e.initBackends(ctx, reg); err != nil {
		return &ConfigError{Code: ErrCodeConfigBackendInit, Message: "backend initialization failed", Err: err}
	}

	for _, en := range reg.outputs {
		v := en.point.EffectiveInitialState()
		if en.point.InitialState == nil {
			e.logger.Warn("output has no initial_state, using zero value",
				"point", en.name(),
				"value", v.String())
		}
		_, _, err := e.transact(context.WithoutCancel(ctx), en, opWrite, v)
		e.counters.writes.Add(1)
		if err != nil {
			e.counters.writeErrors.Add(1)
			e.shutdownBackends(ctx, reg)
			return &ConfigError{
				Code:    ErrCodeInitWriteFailed,
				Message: fmt.Sprintf("could not write initial state %s", v),
				Point:   en.name(),
				Err:     err,
			}
		}
		s := en.state
		s.mu.Lock()
		s.lastValue = v
		s.commanded = v
		s.mu.Unlock()
	}

	e.mu.Lock()
	e.reg = reg
	e.arbiter = arb
	e.mu.Unlock()

	e.logger.Info("engine configured",
		"points", len(reg.order),
		"critical_inputs", len(reg.critical),
		"normal_inputs", len(reg.normal),
		"outputs", len(reg.outputs),
		"buses", len(arb.gates))
	return nil
}

// initBackends initializes every backend the registry references. On
// failure the backends initialized by this call are shut down again.
func (e *Engine) initBackends(ctx context.Context, reg *registry) error {
	lines := reg.lines()
	var done []string
	for _, id := range reg.usedBackends() {
		if err := e.backends[id].Initialize(ctx, lines[id]); err != nil {
			for _, prev := range done {
				if serr := e.backends[prev].Shutdown(ctx); serr != nil {
					e.logger.Warn("backend shutdown after failed init", "backend", prev, "error", serr)
				}
			}
			return fmt.Errorf("backend %q: %w", id, err)
		}
		done = append(done, id)
		e.logger.Debug("backend initialized", "backend", id, "lines", len(lines[id]))
	}
	e.mu.Lock()
	e.backendsUp = true
	e.mu.Unlock()
	return nil
}

// shutdownBackends shuts down every referenced backend and returns the
// failures keyed by backend id.
func (e *Engine) shutdownBackends(ctx context.Context, reg *registry) map[string]error {
	failed := make(map[string]error)
	for _, id := range reg.usedBackends() {
		if err := e.backends[id].Shutdown(ctx); err != nil {
			failed[id] = err
			e.logger.Error("backend shutdown failed", "backend", id, "error", err)
		}
	}
	e.mu.Lock()
	e.backendsUp = false
	e.mu.Unlock()
	return failed
}

// Start initializes backends (a no-op right after Configure), takes one
// baseline poll of every input, then launches the two group loops.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.reg == nil {
		e.mu.Unlock()
		return &EngineError{Code: ErrCodeInvalidState, Message: "engine is not configured"}
	}
	if e.state != StateStopped {
		st := e.state
		e.mu.Unlock()
		return &EngineError{Code: ErrCodeInvalidState, Message: fmt.Sprintf("cannot start from %s", st)}
	}
	e.state = StateStarting
	reg, arb := e.reg, e.arbiter
	e.mu.Unlock()

	if err := e.initBackends(ctx, reg); err != nil {
		e.setState(StateStopped)
		return &EngineError{Code: ErrCodeBackendInit, Message: "backend initialization failed", Err: err}
	}

	arb.resetWindows()
	e.pollGroup(ctx, reg.critical)
	e.pollGroup(ctx, reg.normal)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancel = cancel
	e.state = StateRunning
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.loops.Add(2)
	go e.runGroup(loopCtx, GroupCritical, e.criticalInterval)
	go e.runGroup(loopCtx, GroupNormal, e.normalInterval)

	e.logger.Info("engine started",
		"critical_interval", e.criticalInterval,
		"normal_interval", e.normalInterval,
		"error_threshold", e.errorThreshold)
	return nil
}

// Stop halts both group loops, lets in-flight operations finish, drives
// every critical output to its fail-safe value, shuts down all backends
// and closes all subscriptions.
//
// Stop always reaches Stopped. Fail-safe or shutdown failures are logged
// and reported as a SHUTDOWN_INCOMPLETE error afterwards. Stop on a
// stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	if e.state != StateRunning {
		st := e.state
		e.mu.Unlock()
		return &EngineError{Code: ErrCodeInvalidState, Message: fmt.Sprintf("cannot stop from %s", st)}
	}
	e.state = StateStopping
	cancel, reg := e.cancel, e.reg
	e.cancel = nil
	e.mu.Unlock()

	e.logger.Info("engine stopping")

	// CRITICAL: loops must observe cancellation before their next tick and
	// callers' writes must finish before fail-safe values are asserted,
	// otherwise a late write could override a fail-safe level.
	cancel()
	e.loops.Wait()
	e.ops.Wait()

	details := make(map[string]string)
	for name, err := range e.driveFailSafe(ctx, reg) {
		details["failsafe."+name] = err.Error()
	}
	for id, err := range e.shutdownBackends(ctx, reg) {
		details["backend."+id] = err.Error()
	}
	e.notifier.closeAll()

	e.mu.Lock()
	e.state = StateStopped
	e.startedAt = time.Time{}
	e.mu.Unlock()

	e.logger.Info("engine stopped", "failures", len(details))
	if len(details) > 0 {
		return &EngineError{
			Code:    ErrCodeShutdownIncomplete,
			Message: fmt.Sprintf("%d shutdown step(s) failed", len(details)),
			Details: details,
		}
	}
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// beginOp admits a caller operation. Running engines accept everything;
// a configured engine that was never started (backends up) accepts
// reads through hardware but not writes. The caller must call e.ops.Done.
func (e *Engine) beginOp(name string, write bool) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.reg == nil {
		return nil, &IoError{Code: ErrCodeNotRunning, Point: name, Message: "engine is not configured"}
	}
	var en *entry
	if name != "" {
		var ok bool
		en, ok = e.reg.lookup(name)
		if !ok {
			return nil, &IoError{Code: ErrCodeUnknownPoint, Point: name, Message: "no such point"}
		}
	}
	admitted := e.state == StateRunning || (!write && e.state == StateStopped && e.backendsUp)
	if !admitted {
		return nil, &IoError{Code: ErrCodeNotRunning, Point: name, Message: fmt.Sprintf("engine is %s", e.state)}
	}
	e.ops.Add(1)
	return en, nil
}

func (e *Engine) lookup(name string) (*entry, error) {
	e.mu.RLock()
	reg := e.reg
	e.mu.RUnlock()
	if reg == nil {
		return nil, &IoError{Code: ErrCodeNotRunning, Point: name, Message: "engine is not configured"}
	}
	en, ok := reg.lookup(name)
	if !ok {
		return nil, &IoError{Code: ErrCodeUnknownPoint, Point: name, Message: "no such point"}
	}
	return en, nil
}

// Read returns the last polled value of an input or the last commanded
// value of an output, without touching hardware. A nil Value means the
// point has not been observed yet.
func (e *Engine) Read(name string) (point.Value, error) {
	en, err := e.lookup(name)
	if err != nil {
		return nil, err
	}
	en.state.mu.Lock()
	defer en.state.mu.Unlock()
	return en.state.lastValue, nil
}

// Write commands an output. Only valid while Running. The write is queued
// behind earlier transactions on the same bus and, once issued, is never
// aborted by ctx cancellation; the transaction timeout still bounds it.
func (e *Engine) Write(ctx context.Context, name string, v point.Value) error {
	en, err := e.beginOp(name, true)
	if err != nil {
		return err
	}
	defer e.ops.Done()

	if !en.point.Type.IsOutput() {
		return &IoError{Code: ErrCodeTypeMismatch, Point: name, Message: fmt.Sprintf("%s points are not writable", en.point.Type)}
	}
	if v == nil || v.Kind() != en.point.Type.Kind() {
		return &IoError{Code: ErrCodeTypeMismatch, Point: name, Message: fmt.Sprintf("%s point needs a %s value", en.point.Type, en.point.Type.Kind())}
	}
	if en.state.isFatal() {
		return &IoError{Code: ErrCodeBackend, Point: name, Message: "output disabled after fatal error"}
	}
	if err := e.writeEntry(context.WithoutCancel(ctx), en, v); err != nil {
		return &IoError{Code: ErrCodeBackend, Point: name, Message: "write failed", Err: err}
	}
	return nil
}

// Refresh forces a hardware read of any point through the bus arbiter and
// returns the value read. Change detection and health bookkeeping apply
// as for a scheduled poll.
func (e *Engine) Refresh(ctx context.Context, name string) (point.Value, error) {
	en, err := e.beginOp(name, false)
	if err != nil {
		return nil, err
	}
	defer e.ops.Done()

	if en.state.isFatal() {
		return nil, &IoError{Code: ErrCodeBackend, Point: name, Message: "point disabled after fatal error"}
	}
	v, err := e.pollPoint(ctx, en)
	if err != nil {
		return nil, &IoError{Code: ErrCodeBackend, Point: name, Message: "read failed", Err: err}
	}
	return v, nil
}

// Subscribe returns a new subscription for points matching filter
// (nil matches all). The stream ends when the engine stops.
func (e *Engine) Subscribe(filter Filter) *Subscription {
	s := e.notifier.subscribe(e.ids.Generate(), filter)
	e.logger.Debug("subscription opened", "subscription", s.ID())
	return s
}

// Points returns the configured point definitions in declaration order.
func (e *Engine) Points() []point.IoPoint {
	e.mu.RLock()
	reg := e.reg
	e.mu.RUnlock()
	if reg == nil {
		return nil
	}
	out := make([]point.IoPoint, len(reg.order))
	for i, en := range reg.order {
		out[i] = en.point
	}
	return out
}

// Backends returns the registered backend ids, sorted.
func (e *Engine) Backends() []string {
	ids := make([]string, 0, len(e.backends))
	for id := range e.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
