package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

func TestEngine_Defaults(t *testing.T) {
	e := New()
	assert.Equal(t, DefaultCriticalInterval, e.criticalInterval)
	assert.Equal(t, DefaultNormalInterval, e.normalInterval)
	assert.Equal(t, DefaultErrorThreshold, e.errorThreshold)
	assert.Equal(t, DefaultTransactionTimeout, e.txTimeout)
	assert.Equal(t, DefaultDeadband, e.deadband)
	assert.Equal(t, DefaultFailSafeAttempts, e.failSafeAttempts)
	assert.Equal(t, StateStopped, e.State())
	assert.Empty(t, e.Backends())
}

func TestEngine_StartRequiresConfigure(t *testing.T) {
	e := newTestEngine(backend.NewSimulated())
	assert.True(t, IsInvalidState(e.Start(context.Background())))
	assert.NoError(t, e.Stop(context.Background()), "stop on stopped engine is a no-op")
}

func TestEngine_StartTwice(t *testing.T) {
	e := newTestEngine(backend.NewSimulated())
	mustConfigure(t, e, digitalIn("door", "sim.pin0", true))
	mustStart(t, e)
	assert.Equal(t, StateRunning, e.State())
	assert.True(t, IsInvalidState(e.Start(context.Background())))
}

// End-to-end: a flipped critical input reaches a subscriber within one
// critical interval, and a write is immediately visible to Read.
func TestEngine_EndToEnd(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim, WithCriticalInterval(50*time.Millisecond))
	mustConfigure(t, e,
		digitalIn("door_sensor", "sim.pin0", true),
		digitalOut("alarm_relay", "sim.pin1", true, false),
	)
	sub := e.Subscribe(AllPoints())
	mustStart(t, e)

	sim.Set("sim.pin0", point.Digital(true))

	select {
	case ev := <-sub.C():
		assert.Equal(t, "door_sensor", ev.Name)
		assert.Equal(t, point.Digital(false), ev.Old)
		assert.Equal(t, point.Digital(true), ev.New)
		assert.Positive(t, ev.Seq)
	case <-time.After(3 * 50 * time.Millisecond):
		t.Fatal("no change event within the critical interval")
	}

	require.NoError(t, e.Write(context.Background(), "alarm_relay", point.Digital(true)))
	v, err := e.Read("alarm_relay")
	require.NoError(t, err)
	assert.Equal(t, point.Digital(true), v)
	assert.Equal(t, point.Digital(true), sim.Get("sim.pin1"))
}

func TestEngine_DigitalFlipsProduceOneEventEach(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e, digitalIn("door", "sim.pin0", true))
	sub := e.Subscribe(nil)
	mustStart(t, e) // baseline: false

	flips := []bool{true, false, true, true, true, false}
	for _, v := range flips {
		sim.Set("sim.pin0", point.Digital(v))
		tick(t, e, GroupCritical)
	}

	events := drain(sub)
	require.Len(t, events, 4)
	want := []struct{ old, new bool }{{false, true}, {true, false}, {false, true}, {true, false}}
	for i, ev := range events {
		assert.Equal(t, point.Digital(want[i].old), ev.Old, "event %d", i)
		assert.Equal(t, point.Digital(want[i].new), ev.New, "event %d", i)
		if i > 0 {
			assert.Greater(t, ev.Seq, events[i-1].Seq, "poll order")
		}
	}
}

func TestEngine_AnalogWithinDeadbandIsSilent(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim, WithDeadband(0.5))
	mustConfigure(t, e, analogIn("tank_level", "sim.ai0"))
	sim.Set("sim.ai0", point.Analog(50))
	sub := e.Subscribe(nil)
	mustStart(t, e)

	for _, v := range []float64{50.2, 49.6, 50.5, 49.9, 50.45} {
		sim.Set("sim.ai0", point.Analog(v))
		tick(t, e, GroupCritical)
	}
	assert.Empty(t, drain(sub), "noise inside the dead-band never notifies")

	sim.Set("sim.ai0", point.Analog(51))
	tick(t, e, GroupCritical)
	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, point.Analog(50), events[0].Old)
	assert.Equal(t, point.Analog(51), events[0].New)
}

func TestEngine_PerPointIsolation(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e,
		digitalIn("broken", "sim.pin0", true),
		digitalIn("healthy", "sim.pin1", true),
	)
	sim.InjectFault("sim.pin0", nil, 0)
	sub := e.Subscribe(Names("healthy"))
	mustStart(t, e)

	for i := 0; i < 5; i++ {
		sim.Set("sim.pin1", point.Digital(i%2 == 0))
		tick(t, e, GroupCritical)
	}

	assert.Len(t, drain(sub), 5)
	assert.True(t, health(t, e, "broken").Stale)
	assert.False(t, health(t, e, "healthy").Stale)
	assert.Equal(t, uint64(6), health(t, e, "healthy").Successes, "baseline plus five ticks")
}

func TestEngine_StalenessThreshold(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim, WithErrorThreshold(3))
	mustConfigure(t, e, digitalIn("door", "sim.pin0", true))
	mustStart(t, e)

	sim.InjectFault("sim.pin0", nil, 0)
	tick(t, e, GroupCritical)
	tick(t, e, GroupCritical)
	h := health(t, e, "door")
	assert.Equal(t, 2, h.ConsecutiveErrors)
	assert.False(t, h.Stale)

	tick(t, e, GroupCritical)
	h = health(t, e, "door")
	assert.True(t, h.Stale, "exactly threshold failures")
	assert.Equal(t, uint64(1), h.StaleTransitions)
	assert.NotEmpty(t, h.LastError)

	tick(t, e, GroupCritical)
	tick(t, e, GroupCritical)
	assert.Equal(t, uint64(1), health(t, e, "door").StaleTransitions, "transition happens once")

	sim.ClearFault("sim.pin0")
	tick(t, e, GroupCritical)
	h = health(t, e, "door")
	assert.Equal(t, 0, h.ConsecutiveErrors)
	assert.False(t, h.Stale, "first success clears stale")
	assert.Empty(t, h.LastError)

	v, err := e.Read("door")
	require.NoError(t, err)
	assert.Equal(t, point.Digital(false), v, "last good value retained")
}

func TestEngine_NeverSucceededPointGoesStale(t *testing.T) {
	sim := backend.NewSimulated()
	sim.InjectFault("sim.pin0", nil, 0)
	e := newTestEngine(sim, WithErrorThreshold(2))
	mustConfigure(t, e, digitalIn("door", "sim.pin0", false))
	mustStart(t, e) // baseline attempt fails

	tick(t, e, GroupNormal)
	h := health(t, e, "door")
	assert.True(t, h.Stale)
	assert.Nil(t, h.Value)

	v, err := e.Read("door")
	require.NoError(t, err)
	assert.Nil(t, v, "unknown until first success")
}

func TestEngine_FatalReadDisablesPoint(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e, digitalIn("door", "sim.pin0", true))
	mustStart(t, e)

	sim.InjectFault("sim.pin0", backend.Fatal("read", point.Ref{}, errors.New("bad address")), 1)
	tick(t, e, GroupCritical)
	h := health(t, e, "door")
	assert.True(t, h.Fatal)
	assert.True(t, h.Stale)

	failures := h.Failures
	for i := 0; i < 3; i++ {
		tick(t, e, GroupCritical)
	}
	h = health(t, e, "door")
	assert.Equal(t, failures, h.Failures, "no longer polled")
	assert.Equal(t, uint64(1), h.Successes, "baseline only")

	_, err := e.Refresh(context.Background(), "door")
	assert.Error(t, err)
}

func TestEngine_WriteErrors(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e,
		digitalIn("door", "sim.pin0", true),
		digitalOut("valve", "sim.pin1", true, false),
	)
	ctx := context.Background()

	assert.True(t, IsNotRunning(e.Write(ctx, "valve", point.Digital(true))), "writes need a running engine")
	mustStart(t, e)

	assert.True(t, IsTypeMismatch(e.Write(ctx, "door", point.Digital(true))), "inputs are not writable")
	assert.True(t, IsTypeMismatch(e.Write(ctx, "valve", point.Analog(1))))
	assert.True(t, IsTypeMismatch(e.Write(ctx, "valve", nil)))
	assert.True(t, IsUnknownPoint(e.Write(ctx, "ghost", point.Digital(true))))

	_, err := e.Read("ghost")
	assert.True(t, IsUnknownPoint(err))
	assert.Equal(t, string(ErrCodeUnknownPoint), ErrorCode(err))
}

func TestEngine_WriteEmitsChangeEvent(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e, digitalOut("valve", "sim.pin1", false, false))
	sub := e.Subscribe(nil)
	mustStart(t, e)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "valve", point.Digital(true)))
	require.NoError(t, e.Write(ctx, "valve", point.Digital(true)))
	require.NoError(t, e.Write(ctx, "valve", point.Digital(false)))

	events := drain(sub)
	require.Len(t, events, 2, "repeated value is not a change")
	assert.Equal(t, point.Digital(true), events[0].New)
	assert.Equal(t, point.Digital(false), events[1].New)
	assert.Equal(t, uint64(4), e.MetricsSnapshot().Writes, "initial write plus three")
}

func TestEngine_WriteFailureSurfacesBackendError(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e, digitalOut("lamp", "sim.pin2", false, false))
	mustStart(t, e)

	sim.InjectFault("sim.pin2", nil, 1)
	err := e.Write(context.Background(), "lamp", point.Digital(true))
	require.Error(t, err)
	assert.Equal(t, string(ErrCodeBackend), ErrorCode(err))
	assert.True(t, backend.IsTransient(err))

	v, _ := e.Read("lamp")
	assert.Equal(t, point.Digital(false), v, "failed write leaves last commanded value")
	assert.False(t, health(t, e, "lamp").PendingRecovery, "non-critical outputs are not recovered")
}

func TestEngine_Refresh(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e,
		digitalIn("door", "sim.pin0", false),
		digitalOut("valve", "sim.pin1", true, false),
	)
	ctx := context.Background()

	// Configured but not started: hardware reads are allowed.
	v, err := e.Refresh(ctx, "door")
	require.NoError(t, err)
	assert.Equal(t, point.Digital(false), v)

	sim.Set("sim.pin0", point.Digital(true))
	v, err = e.Refresh(ctx, "door")
	require.NoError(t, err)
	assert.Equal(t, point.Digital(true), v)

	got, _ := e.Read("door")
	assert.Equal(t, point.Digital(true), got)

	// Outputs can be read back from hardware too.
	v, err = e.Refresh(ctx, "valve")
	require.NoError(t, err)
	assert.Equal(t, point.Digital(false), v)

	_, err = e.Refresh(ctx, "ghost")
	assert.True(t, IsUnknownPoint(err))
}

func TestEngine_CriticalOutputRecovery(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e, digitalOut("valve", "sim.pin1", true, false))
	mustStart(t, e)

	sim.InjectFault("sim.pin1", nil, 0)
	err := e.Write(context.Background(), "valve", point.Digital(true))
	require.Error(t, err)
	assert.True(t, health(t, e, "valve").PendingRecovery)

	tick(t, e, GroupCritical)
	assert.True(t, health(t, e, "valve").PendingRecovery, "still failing")

	sim.ClearFault("sim.pin1")
	tick(t, e, GroupCritical)
	h := health(t, e, "valve")
	assert.False(t, h.PendingRecovery)
	assert.Equal(t, point.Digital(true), h.Value)
	assert.Equal(t, point.Digital(true), sim.Get("sim.pin1"))
	assert.Equal(t, uint64(1), e.MetricsSnapshot().Recoveries)
}

func TestEngine_FatalWriteExcludesRecoveryAndFailSafe(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e, digitalOut("valve", "sim.pin1", true, false))
	mustStart(t, e)

	sim.InjectFault("sim.pin1", backend.Fatal("write", point.Ref{}, errors.New("illegal address")), 0)
	require.Error(t, e.Write(context.Background(), "valve", point.Digital(true)))
	h := health(t, e, "valve")
	assert.True(t, h.Fatal)
	assert.False(t, h.PendingRecovery)

	attempts := sim.WriteAttempts("sim.pin1")
	tick(t, e, GroupCritical)
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, attempts, sim.WriteAttempts("sim.pin1"), "no recovery or fail-safe attempts")
}

func TestEngine_FailSafeOnStop(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e,
		digitalOut("valve", "sim.pin1", true, false),
		digitalOut("lamp", "sim.pin2", false, false),
	)
	require.NoError(t, e.Start(context.Background()))
	ctx := context.Background()
	require.NoError(t, e.Write(ctx, "valve", point.Digital(true)))
	require.NoError(t, e.Write(ctx, "lamp", point.Digital(true)))

	sim.InjectFault("sim.pin1", nil, 1) // first fail-safe attempt fails
	require.NoError(t, e.Stop(ctx))

	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t,
		[]point.Value{point.Digital(false), point.Digital(true), point.Digital(false)},
		sim.Writes("sim.pin1"),
		"fail-safe written exactly once")
	assert.Equal(t, 4, sim.WriteAttempts("sim.pin1"))
	assert.Equal(t, point.Digital(true), sim.Get("sim.pin2"), "non-critical outputs keep their value")
	assert.False(t, sim.Initialized(), "backends shut down")
}

func TestEngine_FailSafeBoundedAttempts(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim, WithFailSafeAttempts(3))
	mustConfigure(t, e, digitalOut("valve", "sim.pin1", true, false))
	require.NoError(t, e.Start(context.Background()))

	sim.InjectFault("sim.pin1", nil, 0)
	before := sim.WriteAttempts("sim.pin1")
	err := e.Stop(context.Background())

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ErrCodeShutdownIncomplete, ee.Code)
	assert.Contains(t, ee.Details, "failsafe.valve")
	assert.Equal(t, before+3, sim.WriteAttempts("sim.pin1"))
	assert.Equal(t, StateStopped, e.State(), "stop completes regardless")
}

func TestEngine_StopClosesSubscriptions(t *testing.T) {
	e := newTestEngine(backend.NewSimulated())
	mustConfigure(t, e, digitalIn("door", "sim.pin0", true))
	sub := e.Subscribe(nil)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop(context.Background()))

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel closed")
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on stop")
	}
	assert.Equal(t, 0, e.MetricsSnapshot().Subscribers)
}

func TestEngine_Restart(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e,
		digitalIn("door", "sim.pin0", true),
		digitalOut("valve", "sim.pin1", true, false),
	)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.True(t, IsNotRunning(e.Tick(ctx, GroupCritical)), "backends are down after stop")

	sub := e.Subscribe(nil)
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)
	assert.Equal(t, 2, sim.InitCount())

	require.NoError(t, e.Write(ctx, "valve", point.Digital(true)))
	events := drain(sub)
	require.Len(t, events, 1, "resubscribed stream follows the restarted engine")
}

func TestEngine_MetricsSnapshot(t *testing.T) {
	sim := backend.NewSimulated()
	e := newTestEngine(sim)
	mustConfigure(t, e,
		digitalIn("door", "sim.pin0", true),
		digitalIn("window", "sim.pin1", false),
		digitalOut("valve", "sim.pin2", true, false),
	)
	sim.InjectFault("sim.pin1", nil, 0)
	mustStart(t, e)
	tick(t, e, GroupNormal)
	tick(t, e, GroupNormal)
	tick(t, e, GroupCritical)

	snap := e.MetricsSnapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, uint64(5), snap.TotalPolls, "two baseline polls plus three ticks")
	assert.Equal(t, uint64(1), snap.Writes)
	assert.Equal(t, uint64(3), snap.TotalErrors)
	assert.Equal(t, 1, snap.StalePoints)
	require.Len(t, snap.Points, 3)
	assert.Equal(t, "door", snap.Points[0].Name)
	require.Len(t, snap.Buses, 1)
	assert.Equal(t, "sim.sim", snap.Buses[0].ID)
	assert.Equal(t, uint64(6), snap.Buses[0].Transactions, "five polls and the initial write")

	p, ok := snap.Point("window")
	require.True(t, ok)
	assert.True(t, p.Stale)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"running"`)
	assert.Contains(t, string(raw), `"value":false`)
	assert.Contains(t, string(raw), `"value":null`)
}

func TestEngine_PointsAndBackends(t *testing.T) {
	e := newTestEngine(backend.NewSimulated(), WithBackend("aux", backend.NewSimulated()))
	assert.Nil(t, e.Points())
	mustConfigure(t, e, digitalIn("door", "sim.pin0", true), digitalIn("aux_door", "aux.pin0", true))
	pts := e.Points()
	require.Len(t, pts, 2)
	assert.Equal(t, "aux_door", pts[1].Name)
	assert.Equal(t, []string{"aux", "sim"}, e.Backends())
}
