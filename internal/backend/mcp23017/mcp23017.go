// Package mcp23017 drives MCP23017 (16 pin) and MCP23008 (8 pin) GPIO
// expander banks over I2C using periph.io.
//
// Refs have the form <backend>.<chip>.pin<N>. Chips declared on the same I2C
// bus share one arbitration key because they share the physical wires.
package mcp23017

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Model selects the register layout.
type Model string

const (
	MCP23017 Model = "mcp23017"
	MCP23008 Model = "mcp23008"
)

// Register addresses with IOCON.BANK=0. For the 16 pin part the B port
// register immediately follows the A port register.
type layout struct {
	pins  int
	iodir byte
	gppu  byte
	gpio  byte
	olat  byte
}

var layouts = map[Model]layout{
	MCP23017: {pins: 16, iodir: 0x00, gppu: 0x0C, gpio: 0x12, olat: 0x14},
	MCP23008: {pins: 8, iodir: 0x00, gppu: 0x06, gpio: 0x09, olat: 0x0A},
}

// Valid 7-bit address range selected by the A0..A2 pins.
const (
	MinAddress = 0x20
	MaxAddress = 0x27
)

// ChipConfig declares one expander.
type ChipConfig struct {
	Name    string
	Bus     string // periph bus name, e.g. "1" or "/dev/i2c-1"
	Address uint16
	Model   Model // defaults to MCP23017
}

// Opener opens an I2C bus by name.
type Opener func(name string) (i2c.BusCloser, error)

var hostOnce = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// OpenHost opens a bus through the periph host drivers.
func OpenHost(name string) (i2c.BusCloser, error) {
	if err := hostOnce(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return i2creg.Open(name)
}

// Option configures a Backend.
type Option func(*Backend)

// WithOpener overrides how buses are opened. Tests inject fake buses here.
func WithOpener(open Opener) Option {
	return func(b *Backend) {
		b.open = open
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

type chip struct {
	cfg    ChipConfig
	layout layout

	mu    sync.Mutex
	dev   *i2c.Dev
	iodir uint16 // 1 = input
	gppu  uint16
	olat  uint16
}

// Backend implements backend.Backend and backend.BusMapper.
type Backend struct {
	id     string
	open   Opener
	logger *slog.Logger
	chips  map[string]*chip

	mu          sync.Mutex
	buses       map[string]i2c.BusCloser
	initialized bool
}

// New validates the chip declarations and returns an uninitialized backend.
// No bus is opened until Initialize.
func New(id string, chips []ChipConfig, opts ...Option) (*Backend, error) {
	b := &Backend{
		id:     id,
		open:   OpenHost,
		logger: slog.Default(),
		chips:  make(map[string]*chip, len(chips)),
		buses:  make(map[string]i2c.BusCloser),
	}
	for _, opt := range opts {
		opt(b)
	}

	seen := make(map[string]string)
	for _, cfg := range chips {
		if cfg.Model == "" {
			cfg.Model = MCP23017
		}
		lay, ok := layouts[cfg.Model]
		if !ok {
			return nil, fmt.Errorf("chip %q: unknown model %q", cfg.Name, cfg.Model)
		}
		name := strings.ToLower(cfg.Name)
		if name == "" {
			return nil, errors.New("chip name is required")
		}
		if _, dup := b.chips[name]; dup {
			return nil, fmt.Errorf("chip %q declared twice", cfg.Name)
		}
		if cfg.Address < MinAddress || cfg.Address > MaxAddress {
			return nil, fmt.Errorf("chip %q: address 0x%02x outside 0x%02x-0x%02x", cfg.Name, cfg.Address, MinAddress, MaxAddress)
		}
		slot := cfg.Bus + "@" + strconv.Itoa(int(cfg.Address))
		if other, dup := seen[slot]; dup {
			return nil, fmt.Errorf("chips %q and %q share address 0x%02x on bus %q", other, cfg.Name, cfg.Address, cfg.Bus)
		}
		seen[slot] = cfg.Name
		cfg.Name = name
		b.chips[name] = &chip{cfg: cfg, layout: lay, iodir: 0xFFFF}
	}
	return b, nil
}

// Bus maps every chip on the same I2C bus to one arbitration key.
func (b *Backend) Bus(ref point.Ref) string {
	c, ok := b.chips[ref.Bus]
	if !ok {
		return ""
	}
	return b.id + ".i2c-" + c.cfg.Bus
}

func parsePin(line string, pins int) (int, error) {
	n, ok := strings.CutPrefix(line, "pin")
	if !ok {
		return 0, fmt.Errorf("line %q: expected pin<N>", line)
	}
	pin, err := strconv.Atoi(n)
	if err != nil || pin < 0 || pin >= pins {
		return 0, fmt.Errorf("line %q: pin must be 0-%d", line, pins-1)
	}
	return pin, nil
}

func (b *Backend) lookup(op string, ref point.Ref) (*chip, int, error) {
	c, ok := b.chips[ref.Bus]
	if !ok {
		return nil, 0, backend.Fatal(op, ref, fmt.Errorf("unknown chip %q", ref.Bus))
	}
	pin, err := parsePin(ref.Line, c.layout.pins)
	if err != nil {
		return nil, 0, backend.Fatal(op, ref, err)
	}
	return c, pin, nil
}

// Resolve checks the chip and pin exist and that the point is digital.
func (b *Backend) Resolve(ref point.Ref, typ point.IoType) error {
	if _, _, err := b.lookup("resolve", ref); err != nil {
		return err
	}
	if typ.Kind() != point.KindDigital {
		return backend.Fatal("resolve", ref, fmt.Errorf("expander pins are digital, got %s", typ))
	}
	return nil
}

// Initialize opens the buses and programs IODIR, GPPU and OLAT on every chip.
// Pins not mentioned in lines stay inputs without pull-up.
func (b *Backend) Initialize(ctx context.Context, lines []backend.Line) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	for _, l := range lines {
		c, pin, err := b.lookup("initialize", l.Ref)
		if err != nil {
			return err
		}
		mask := uint16(1) << pin
		c.mu.Lock()
		if l.Type.IsOutput() {
			c.iodir &^= mask
		} else {
			c.iodir |= mask
			if l.PullUp {
				c.gppu |= mask
			}
		}
		c.mu.Unlock()
	}

	for _, c := range b.chips {
		bus, err := b.openBus(c.cfg.Bus)
		if err != nil {
			b.closeBuses()
			return backend.Fatal("initialize", point.Ref{}, fmt.Errorf("open i2c bus %q: %w", c.cfg.Bus, err))
		}
		c.mu.Lock()
		c.dev = &i2c.Dev{Bus: bus, Addr: c.cfg.Address}
		// Latch first so outputs come up at the shadow level, then direction.
		err = c.writePorts(c.layout.olat, c.olat)
		if err == nil {
			err = c.writePorts(c.layout.iodir, c.iodir)
		}
		if err == nil {
			err = c.writePorts(c.layout.gppu, c.gppu)
		}
		iodir := c.iodir
		c.mu.Unlock()
		if err != nil {
			b.closeBuses()
			return backend.Transient("initialize", point.Ref{}, fmt.Errorf("configure chip %q at 0x%02x: %w", c.cfg.Name, c.cfg.Address, err))
		}
		b.logger.Debug("expander configured",
			"backend", b.id,
			"chip", c.cfg.Name,
			"model", string(c.cfg.Model),
			"address", fmt.Sprintf("0x%02x", c.cfg.Address),
			"iodir", fmt.Sprintf("0x%04x", iodir))
	}
	b.initialized = true
	return nil
}

// openBus must be called with b.mu held.
func (b *Backend) openBus(name string) (i2c.Bus, error) {
	if bus, ok := b.buses[name]; ok {
		return bus, nil
	}
	bus, err := b.open(name)
	if err != nil {
		return nil, err
	}
	b.buses[name] = bus
	return bus, nil
}

// closeBuses must be called with b.mu held.
func (b *Backend) closeBuses() error {
	var errs []error
	for name, bus := range b.buses {
		if err := bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close i2c bus %q: %w", name, err))
		}
		delete(b.buses, name)
	}
	for _, c := range b.chips {
		c.mu.Lock()
		c.dev = nil
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// writePorts writes a 16 bit value starting at reg (A then B for the
// MCP23017). Must be called with c.mu held.
func (c *chip) writePorts(reg byte, v uint16) error {
	if c.layout.pins == 8 {
		return c.dev.Tx([]byte{reg, byte(v)}, nil)
	}
	return c.dev.Tx([]byte{reg, byte(v), byte(v >> 8)}, nil)
}

func portReg(base byte, pin int) (byte, uint) {
	if pin >= 8 {
		return base + 1, uint(pin - 8)
	}
	return base, uint(pin)
}

// Read samples the GPIO port register holding the pin.
func (b *Backend) Read(ctx context.Context, ref point.Ref) (point.Value, error) {
	c, pin, err := b.lookup("read", ref)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil, backend.Transient("read", ref, errors.New("bus not initialized"))
	}
	reg, bit := portReg(c.layout.gpio, pin)
	buf := make([]byte, 1)
	if err := c.dev.Tx([]byte{reg}, buf); err != nil {
		return nil, backend.Transient("read", ref, err)
	}
	return point.Digital(buf[0]&(1<<bit) != 0), nil
}

// Write updates the output latch shadow and writes the affected port.
func (b *Backend) Write(ctx context.Context, ref point.Ref, v point.Value) error {
	c, pin, err := b.lookup("write", ref)
	if err != nil {
		return err
	}
	d, ok := v.(point.Digital)
	if !ok {
		return backend.Fatal("write", ref, fmt.Errorf("expander pins are digital, got %T", v))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return backend.Transient("write", ref, errors.New("bus not initialized"))
	}
	mask := uint16(1) << pin
	if c.iodir&mask != 0 {
		return backend.Fatal("write", ref, errors.New("pin is configured as input"))
	}
	next := c.olat &^ mask
	if d {
		next |= mask
	}
	reg, _ := portReg(c.layout.olat, pin)
	port := byte(next)
	if pin >= 8 {
		port = byte(next >> 8)
	}
	if err := c.dev.Tx([]byte{reg, port}, nil); err != nil {
		return backend.Transient("write", ref, err)
	}
	c.olat = next
	return nil
}

// Shutdown closes every opened bus. Output latches keep their last level.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	if err := b.closeBuses(); err != nil {
		return backend.Transient("shutdown", point.Ref{}, err)
	}
	return nil
}
