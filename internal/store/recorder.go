package store

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
)

// Recorder drains change events into a Store.
//
// A write failure is logged and counted; recording continues with the
// next event so one bad write never stalls the subscription.
type Recorder struct {
	store  *Store
	ids    engine.IDGenerator
	logger *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderIDs sets the row id generator. Default: engine.UUIDv7Generator.
func WithRecorderIDs(g engine.IDGenerator) RecorderOption {
	return func(r *Recorder) { r.ids = g }
}

// WithRecorderLogger sets the logger. Default: slog.Default().
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s *Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: s, ids: engine.UUIDv7Generator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run records events until the channel is closed (the engine stopped)
// or ctx is cancelled. Events still buffered when the channel closes are
// recorded before Run returns.
func (r *Recorder) Run(ctx context.Context, events <-chan engine.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				r.logger.Debug("event recorder finished",
					"written", r.written.Load(),
					"failed", r.failed.Load())
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev engine.Event) {
	if err := r.store.WriteEvent(ctx, r.ids.Generate(), ev); err != nil {
		r.failed.Add(1)
		r.logger.Error("failed to record change event",
			"seq", ev.Seq,
			"point", ev.Name,
			"error", err)
		return
	}
	r.written.Add(1)
}

// Written returns how many events were stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed returns how many events could not be stored.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }
