package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// newTestEngine builds an engine over sim whose loops never fire on their
// own, so tests step it with Tick.
func newTestEngine(sim backend.Backend, opts ...EngineOption) *Engine {
	base := []EngineOption{
		WithBackend("sim", sim),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithCriticalInterval(time.Hour),
		WithNormalInterval(time.Hour),
	}
	return New(append(base, opts...)...)
}

func digitalIn(name, ref string, critical bool) point.IoPoint {
	return point.IoPoint{Name: name, Type: point.DigitalInput, HardwareRef: ref, Critical: critical}
}

func digitalOut(name, ref string, critical bool, initial bool) point.IoPoint {
	return point.IoPoint{
		Name:         name,
		Type:         point.DigitalOutput,
		HardwareRef:  ref,
		Critical:     critical,
		InitialState: point.Digital(initial),
	}
}

func analogIn(name, ref string) point.IoPoint {
	return point.IoPoint{Name: name, Type: point.AnalogInput, HardwareRef: ref, Critical: true}
}

func mustConfigure(t *testing.T, e *Engine, points ...point.IoPoint) {
	t.Helper()
	require.NoError(t, e.Configure(context.Background(), points))
}

func mustStart(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
}

func tick(t *testing.T, e *Engine, g Group) {
	t.Helper()
	require.NoError(t, e.Tick(context.Background(), g))
}

// drain returns every event currently buffered in sub.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// epoch is a fixed timestamp for state-level tests.
func epoch() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func health(t *testing.T, e *Engine, name string) PointHealth {
	t.Helper()
	h, err := e.Health(name)
	require.NoError(t, err)
	return h
}
