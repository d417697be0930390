package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/backend/mcp23017"
	"github.com/ValorenceCLE/iocontrol/internal/backend/modbus"
	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// DefaultBackendID is the id of the simulated backend provided when a
// document declares no backends.
const DefaultBackendID = "sim"

// BackendIDs returns the declared backend ids (case-folded), or the
// default simulated backend when none are declared.
func (d *Document) BackendIDs() map[string]string {
	if len(d.Backends) == 0 {
		return map[string]string{DefaultBackendID: TypeSimulated}
	}
	out := make(map[string]string, len(d.Backends))
	for id, b := range d.Backends {
		out[strings.ToLower(id)] = b.Type
	}
	return out
}

// Runtime is everything needed to configure an engine from a document.
type Runtime struct {
	Points   []point.IoPoint
	Backends map[string]backend.Backend
	Options  []engine.EngineOption
}

// Simulated returns the simulated backend registered under id.
func (rt *Runtime) Simulated(id string) (*backend.Simulated, bool) {
	sim, ok := rt.Backends[id].(*backend.Simulated)
	return sim, ok
}

// BuildOption customizes backend construction.
type BuildOption func(*buildConfig)

type buildConfig struct {
	logger     *slog.Logger
	i2cOpener  mcp23017.Opener
	modbusDial modbus.Dialer
}

// WithBuildLogger sets the logger handed to hardware backends and the engine.
func WithBuildLogger(l *slog.Logger) BuildOption {
	return func(c *buildConfig) { c.logger = l }
}

// WithI2COpener replaces the periph.io bus opener for mcp23017 backends.
func WithI2COpener(open mcp23017.Opener) BuildOption {
	return func(c *buildConfig) { c.i2cOpener = open }
}

// WithModbusDialer replaces the network dialer for modbus backends.
func WithModbusDialer(d modbus.Dialer) BuildOption {
	return func(c *buildConfig) { c.modbusDial = d }
}

// Build converts the document into engine inputs. Backends are created in
// id order but not initialized; the engine does that in Configure.
func (d *Document) Build(opts ...BuildOption) (*Runtime, error) {
	cfg := &buildConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	points, err := d.IoPoints()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Points:   points,
		Backends: make(map[string]backend.Backend),
	}
	sections := d.Backends
	if len(sections) == 0 {
		sections = map[string]BackendSection{DefaultBackendID: {Type: TypeSimulated}}
	}
	ids := make([]string, 0, len(sections))
	for id := range sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, rawID := range ids {
		id := strings.ToLower(rawID)
		if _, dup := rt.Backends[id]; dup {
			return nil, fmt.Errorf("backend %q declared twice (ids are case-insensitive)", rawID)
		}
		b, err := buildBackend(id, sections[rawID], cfg)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", rawID, err)
		}
		rt.Backends[id] = b
		rt.Options = append(rt.Options, engine.WithBackend(id, b))
	}

	rt.Options = append(rt.Options, d.Engine.Options()...)
	rt.Options = append(rt.Options, engine.WithLogger(cfg.logger))
	cfg.logger.Debug("config built",
		"source", d.Source,
		"points", len(points),
		"backends", len(rt.Backends))
	return rt, nil
}

func buildBackend(id string, s BackendSection, cfg *buildConfig) (backend.Backend, error) {
	logger := cfg.logger.With("backend", id)
	switch s.Type {
	case TypeSimulated:
		return backend.NewSimulated(), nil
	case TypeMCP23017:
		chips := make([]mcp23017.ChipConfig, len(s.Chips))
		for i, c := range s.Chips {
			chips[i] = mcp23017.ChipConfig{Name: c.Name, Bus: c.Bus, Address: c.Address, Model: mcp23017.Model(c.Model)}
		}
		opts := []mcp23017.Option{mcp23017.WithLogger(logger)}
		if cfg.i2cOpener != nil {
			opts = append(opts, mcp23017.WithOpener(cfg.i2cOpener))
		}
		return mcp23017.New(id, chips, opts...)
	case TypeModbus:
		units := make([]modbus.UnitConfig, len(s.Units))
		for i, u := range s.Units {
			units[i] = modbus.UnitConfig{
				Name:     u.Name,
				URL:      u.URL,
				UnitID:   u.UnitID,
				Timeout:  u.Timeout.Std(),
				Speed:    u.Speed,
				DataBits: u.DataBits,
				Parity:   parityLetter(u.Parity),
				StopBits: u.StopBits,
				Scale:    u.Scale,
				Offset:   u.Offset,
			}
		}
		opts := []modbus.Option{modbus.WithLogger(logger)}
		if cfg.modbusDial != nil {
			opts = append(opts, modbus.WithDialer(cfg.modbusDial))
		}
		return modbus.New(id, units, opts...)
	default:
		return nil, fmt.Errorf("unknown backend type %q", s.Type)
	}
}

// parityLetter maps "none"/"even"/"odd" to the N/E/O letters.
func parityLetter(p string) string {
	if p == "" {
		return ""
	}
	return strings.ToUpper(p[:1])
}

// Options converts the section to engine options. Unset fields are skipped.
func (s EngineSection) Options() []engine.EngineOption {
	var opts []engine.EngineOption
	if s.CriticalInterval != nil {
		opts = append(opts, engine.WithCriticalInterval(s.CriticalInterval.Std()))
	}
	if s.NormalInterval != nil {
		opts = append(opts, engine.WithNormalInterval(s.NormalInterval.Std()))
	}
	if s.ErrorThreshold != nil {
		opts = append(opts, engine.WithErrorThreshold(*s.ErrorThreshold))
	}
	if s.TransactionTimeout != nil {
		opts = append(opts, engine.WithTransactionTimeout(s.TransactionTimeout.Std()))
	}
	if s.Deadband != nil {
		opts = append(opts, engine.WithDeadband(*s.Deadband))
	}
	if s.SubscriberBuffer != nil {
		opts = append(opts, engine.WithSubscriberBuffer(*s.SubscriberBuffer))
	}
	if s.FailSafeAttempts != nil {
		opts = append(opts, engine.WithFailSafeAttempts(*s.FailSafeAttempts))
	}
	return opts
}
