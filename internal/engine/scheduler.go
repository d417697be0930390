package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

const (
	opRead  = "read"
	opWrite = "write"
)

// runGroup drives one cadence until ctx is cancelled.
//
// time.Ticker drops ticks while a pass is still running, so a slow pass
// delays the next one instead of starting a concurrent duplicate. The
// context is checked after every tick so Stop is observed before the next
// pass begins.
func (e *Engine) runGroup(ctx context.Context, g Group, interval time.Duration) {
	defer e.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Debug("poll loop started", "group", g.String(), "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("poll loop stopped", "group", g.String())
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			e.tick(ctx, g)
		}
	}
}

// tick runs one pass of a group. The critical pass also re-asserts
// critical outputs whose last write failed transiently.
func (e *Engine) tick(ctx context.Context, g Group) {
	e.mu.RLock()
	reg := e.reg
	e.mu.RUnlock()

	e.pollGroup(ctx, reg.group(g))
	if g == GroupCritical {
		e.recoverOutputs(ctx, reg)
	}
}

// Tick runs one synchronous pass of a group through the same path as the
// periodic loops. Harnesses combine it with long intervals to step an
// engine deterministically.
func (e *Engine) Tick(ctx context.Context, g Group) error {
	if _, err := e.beginOp("", false); err != nil {
		return err
	}
	defer e.ops.Done()
	e.tick(ctx, g)
	return nil
}

// pollGroup polls every point of the group in declaration order. A
// failing point never aborts the pass for the remaining points.
func (e *Engine) pollGroup(ctx context.Context, entries []*entry) {
	for _, en := range entries {
		if ctx.Err() != nil {
			return
		}
		if en.state.isFatal() {
			continue
		}
		_, _ = e.pollPoint(ctx, en)
	}
}

// pollPoint reads one point through its bus gate and applies the result
// to change detection and health. Failures are recorded, never
// propagated beyond the return value.
func (e *Engine) pollPoint(ctx context.Context, en *entry) (point.Value, error) {
	en.opMu.Lock()
	defer en.opMu.Unlock()

	v, latency, err := e.transact(ctx, en, opRead, nil)
	if err != nil && ctx.Err() != nil {
		// Cancelled by Stop, not a point failure.
		return nil, err
	}
	if err == nil && (v == nil || v.Kind() != en.point.Type.Kind()) {
		err = backend.Fatal(opRead, en.ref, fmt.Errorf("backend returned %s for %s point", describe(v), en.point.Type))
	}

	now := e.now()
	e.counters.polls.Add(1)
	s := en.state

	if err != nil {
		e.counters.pollErrors.Add(1)
		fatal := backend.IsFatal(err)
		s.mu.Lock()
		became := s.recordFailure(now, latency, err, e.errorThreshold, fatal)
		n := s.consecutiveErrors
		s.mu.Unlock()

		switch {
		case fatal:
			e.logger.Error("point disabled after fatal read error",
				"point", en.name(),
				"ref", en.ref.String(),
				"error", err)
		case became:
			e.logger.Warn("point stale",
				"point", en.name(),
				"consecutive_errors", n,
				"error", err)
		default:
			e.logger.Debug("poll failed",
				"point", en.name(),
				"consecutive_errors", n,
				"error", err)
		}
		return nil, err
	}

	s.mu.Lock()
	recovered := s.recordSuccess(now, latency)
	old, changed := s.observe(v, en.deadband, now)
	s.mu.Unlock()

	if recovered {
		e.logger.Info("point recovered", "point", en.name())
	}
	if changed {
		ev := e.notifier.publish(en.name(), old, v, now)
		e.logger.Debug("change detected",
			"point", en.name(),
			"seq", ev.Seq,
			"old", point.Format(old),
			"new", v.String())
	}
	return v, nil
}

// writeEntry issues one write and applies it to state and health. A
// transient failure on a critical output leaves it pending recovery.
func (e *Engine) writeEntry(ctx context.Context, en *entry, v point.Value) error {
	en.opMu.Lock()
	defer en.opMu.Unlock()

	_, latency, err := e.transact(ctx, en, opWrite, v)
	now := e.now()
	e.counters.writes.Add(1)
	s := en.state

	if err != nil {
		e.counters.writeErrors.Add(1)
		fatal := backend.IsFatal(err)
		s.mu.Lock()
		s.recordFailure(now, latency, err, e.errorThreshold, fatal)
		if en.point.Critical {
			s.commanded = v
			s.pendingRecovery = !fatal
		}
		s.mu.Unlock()
		e.logger.Warn("write failed",
			"point", en.name(),
			"value", v.String(),
			"fatal", fatal,
			"error", err)
		return err
	}

	s.mu.Lock()
	s.recordSuccess(now, latency)
	old, changed := s.command(v, now)
	s.mu.Unlock()

	if changed {
		e.notifier.publish(en.name(), old, v, now)
	}
	return nil
}

// recoverOutputs re-asserts the last commanded value of every critical
// output left pending by a transient write failure.
func (e *Engine) recoverOutputs(ctx context.Context, reg *registry) {
	for _, en := range reg.outputs {
		if !en.point.Critical || ctx.Err() != nil {
			continue
		}
		s := en.state
		s.mu.Lock()
		pending, target := s.pendingRecovery && !s.fatal, s.commanded
		s.mu.Unlock()
		if !pending {
			continue
		}
		if err := e.writeEntry(context.WithoutCancel(ctx), en, target); err == nil {
			e.counters.recoveries.Add(1)
			e.logger.Info("output recovered", "point", en.name(), "value", target.String())
		}
	}
}

// driveFailSafe writes every critical output's fail-safe value with a
// bounded number of attempts. Outputs disabled by a fatal error are
// skipped. Returns the outputs that could not be driven.
func (e *Engine) driveFailSafe(ctx context.Context, reg *registry) map[string]error {
	failed := make(map[string]error)
	wctx := context.WithoutCancel(ctx)
	for _, en := range reg.outputs {
		if !en.point.Critical {
			continue
		}
		if en.state.isFatal() {
			e.logger.Warn("skipping fail-safe for disabled output", "point", en.name())
			continue
		}

		var err error
		for attempt := 1; attempt <= e.failSafeAttempts; attempt++ {
			if err = e.writeEntry(wctx, en, en.failSafe); err == nil {
				e.logger.Info("fail-safe applied",
					"point", en.name(),
					"value", en.failSafe.String(),
					"attempt", attempt)
				break
			}
			if backend.IsFatal(err) {
				break
			}
		}
		if err != nil {
			failed[en.name()] = err
			e.logger.Error("fail-safe not reached",
				"point", en.name(),
				"value", en.failSafe.String(),
				"error", err)
		}
	}
	return failed
}

// transact runs one backend call while holding the point's bus ticket.
//
// The call is bounded by the transaction timeout. On timeout the ticket is
// released regardless and a transient error is returned, so a wedged
// transaction cannot starve the bus. The abandoned call sees its context
// cancelled.
func (e *Engine) transact(ctx context.Context, en *entry, op string, v point.Value) (point.Value, time.Duration, error) {
	ticket, err := en.gate.acquire(ctx)
	if err != nil {
		return nil, 0, backend.Transient(op, en.ref, err)
	}
	defer ticket.Release()

	tctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	type result struct {
		v   point.Value
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		var r result
		if op == opWrite {
			r.err = en.backend.Write(tctx, en.ref, v)
		} else {
			r.v, r.err = en.backend.Read(tctx, en.ref)
		}
		done <- r
	}()

	select {
	case r := <-done:
		return r.v, time.Since(start), r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, time.Since(start), backend.Transient(op, en.ref, ctx.Err())
		}
		return nil, time.Since(start), backend.Transient(op, en.ref, fmt.Errorf("%w after %s", backend.ErrTimeout, e.txTimeout))
	}
}

func describe(v point.Value) string {
	if v == nil {
		return "no value"
	}
	return v.Kind().String() + " value"
}
