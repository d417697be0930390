// Package modbus serves points from Modbus TCP or RTU devices.
//
// Refs have the form <backend>.<unit>.<table><address> where table is one of
// coil, di (discrete input), hr (holding register) or ir (input register).
// Units that share a URL share one connection and one arbitration bus.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Table is a Modbus data table.
type Table string

const (
	Coils            Table = "coil"
	DiscreteInputs   Table = "di"
	HoldingRegisters Table = "hr"
	InputRegisters   Table = "ir"
)

// tables is ordered longest prefix first so "coil" is not read as "c".
var tables = []Table{Coils, DiscreteInputs, HoldingRegisters, InputRegisters}

// UnitConfig declares one addressable device.
type UnitConfig struct {
	Name     string
	URL      string // tcp://host:502 or rtu:///dev/ttyUSB0
	UnitID   uint8
	Timeout  time.Duration
	Speed    uint   // RTU baud rate
	DataBits uint   // RTU
	Parity   string // RTU: N, E or O
	StopBits uint   // RTU

	// Scale and Offset convert raw register values to engineering units:
	// value = raw*Scale + Offset. Scale defaults to 1.
	Scale  float64
	Offset float64
}

// Client is the subset of *modbus.ModbusClient the backend uses.
type Client interface {
	Open() error
	Close() error
	SetUnitId(id uint8) error
	ReadCoil(addr uint16) (bool, error)
	ReadDiscreteInput(addr uint16) (bool, error)
	ReadRegister(addr uint16, regType modbus.RegType) (uint16, error)
	WriteCoil(addr uint16, value bool) error
	WriteRegister(addr uint16, value uint16) error
}

// Dialer creates a client for a connection configuration.
type Dialer func(cfg *modbus.ClientConfiguration) (Client, error)

// DialDefault builds a real simonvetter/modbus client.
func DialDefault(cfg *modbus.ClientConfiguration) (Client, error) {
	c, err := modbus.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Option configures a Backend.
type Option func(*Backend)

// WithDialer overrides client construction. Tests inject fakes here.
func WithDialer(d Dialer) Option {
	return func(b *Backend) {
		b.dial = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

type conn struct {
	url string
	cfg *modbus.ClientConfiguration

	mu     sync.Mutex
	client Client
	open   bool
	broken bool
}

type unit struct {
	cfg  UnitConfig
	conn *conn
}

type address struct {
	table Table
	addr  uint16
}

// Backend implements backend.Backend and backend.BusMapper.
type Backend struct {
	id     string
	dial   Dialer
	logger *slog.Logger
	units  map[string]*unit
	conns  map[string]*conn

	mu          sync.Mutex
	initialized bool
}

// DefaultTimeout bounds a single request when a unit sets none.
const DefaultTimeout = time.Second

// New validates the unit declarations. No connection is opened until Initialize.
func New(id string, units []UnitConfig, opts ...Option) (*Backend, error) {
	b := &Backend{
		id:     id,
		dial:   DialDefault,
		logger: slog.Default(),
		units:  make(map[string]*unit, len(units)),
		conns:  make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, cfg := range units {
		name := strings.ToLower(cfg.Name)
		if name == "" {
			return nil, errors.New("unit name is required")
		}
		if _, dup := b.units[name]; dup {
			return nil, fmt.Errorf("unit %q declared twice", cfg.Name)
		}
		if !strings.HasPrefix(cfg.URL, "tcp://") && !strings.HasPrefix(cfg.URL, "rtu://") {
			return nil, fmt.Errorf("unit %q: url must start with tcp:// or rtu://", cfg.Name)
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultTimeout
		}
		if cfg.Scale == 0 {
			cfg.Scale = 1
		}
		c, ok := b.conns[cfg.URL]
		if !ok {
			c = &conn{url: cfg.URL, cfg: clientConfig(cfg)}
			b.conns[cfg.URL] = c
		}
		cfg.Name = name
		b.units[name] = &unit{cfg: cfg, conn: c}
	}
	return b, nil
}

func clientConfig(u UnitConfig) *modbus.ClientConfiguration {
	parity := uint(modbus.PARITY_NONE)
	switch strings.ToUpper(u.Parity) {
	case "E":
		parity = modbus.PARITY_EVEN
	case "O":
		parity = modbus.PARITY_ODD
	}
	return &modbus.ClientConfiguration{
		URL:      u.URL,
		Speed:    u.Speed,
		DataBits: u.DataBits,
		Parity:   parity,
		StopBits: u.StopBits,
		Timeout:  u.Timeout,
	}
}

// Bus maps every unit on the same connection to one arbitration key.
func (b *Backend) Bus(ref point.Ref) string {
	u, ok := b.units[ref.Bus]
	if !ok {
		return ""
	}
	return b.id + "@" + u.conn.url
}

func parseAddress(line string) (address, error) {
	for _, t := range tables {
		rest, ok := strings.CutPrefix(line, string(t))
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(rest, 10, 16)
		if err != nil {
			return address{}, fmt.Errorf("line %q: address must be 0-65535", line)
		}
		return address{table: t, addr: uint16(n)}, nil
	}
	return address{}, fmt.Errorf("line %q: expected coil, di, hr or ir followed by an address", line)
}

func (b *Backend) lookup(op string, ref point.Ref) (*unit, address, error) {
	u, ok := b.units[ref.Bus]
	if !ok {
		return nil, address{}, backend.Fatal(op, ref, fmt.Errorf("unknown unit %q", ref.Bus))
	}
	a, err := parseAddress(ref.Line)
	if err != nil {
		return nil, address{}, backend.Fatal(op, ref, err)
	}
	return u, a, nil
}

// Resolve checks the unit exists and that the table fits the point type.
func (b *Backend) Resolve(ref point.Ref, typ point.IoType) error {
	_, a, err := b.lookup("resolve", ref)
	if err != nil {
		return err
	}
	ok := false
	switch a.table {
	case Coils:
		ok = typ == point.DigitalInput || typ == point.DigitalOutput
	case DiscreteInputs:
		ok = typ == point.DigitalInput
	case HoldingRegisters:
		ok = typ == point.AnalogInput || typ == point.AnalogOutput
	case InputRegisters:
		ok = typ == point.AnalogInput
	}
	if !ok {
		return backend.Fatal("resolve", ref, fmt.Errorf("table %s cannot serve %s", a.table, typ))
	}
	return nil
}

// Initialize opens every connection.
func (b *Backend) Initialize(ctx context.Context, lines []backend.Line) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	for _, l := range lines {
		if _, _, err := b.lookup("initialize", l.Ref); err != nil {
			return err
		}
	}
	for _, c := range b.conns {
		c.mu.Lock()
		err := b.connect(c)
		c.mu.Unlock()
		if err != nil {
			b.disconnectAll()
			return err
		}
		b.logger.Debug("modbus connection opened", "backend", b.id, "url", c.url)
	}
	b.initialized = true
	return nil
}

// connect must be called with c.mu held.
func (b *Backend) connect(c *conn) error {
	if c.client == nil {
		client, err := b.dial(c.cfg)
		if err != nil {
			return backend.Fatal("initialize", point.Ref{}, fmt.Errorf("modbus client %s: %w", c.url, err))
		}
		c.client = client
	}
	if err := c.client.Open(); err != nil {
		return backend.Transient("initialize", point.Ref{}, fmt.Errorf("open %s: %w", c.url, err))
	}
	c.open = true
	c.broken = false
	return nil
}

// disconnectAll must be called with b.mu held.
func (b *Backend) disconnectAll() error {
	var errs []error
	for _, c := range b.conns {
		c.mu.Lock()
		if c.open {
			if err := c.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", c.url, err))
			}
			c.open = false
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// do runs fn against the unit's connection, selecting its unit id first.
// A connection broken by a transport error is reopened before use.
func (b *Backend) do(op string, ref point.Ref, u *unit, fn func(Client) error) error {
	c := u.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return backend.Transient(op, ref, errors.New("connection not open"))
	}
	if c.broken {
		_ = c.client.Close()
		if err := c.client.Open(); err != nil {
			return backend.Transient(op, ref, fmt.Errorf("reopen %s: %w", c.url, err))
		}
		c.broken = false
		b.logger.Info("modbus connection reopened", "backend", b.id, "url", c.url)
	}
	if err := c.client.SetUnitId(u.cfg.UnitID); err != nil {
		return backend.Fatal(op, ref, err)
	}
	err := fn(c.client)
	if err == nil {
		return nil
	}
	sev := classify(err)
	if sev == backend.SeverityFatal {
		return backend.Fatal(op, ref, err)
	}
	if !isException(err) {
		c.broken = true
	}
	return backend.Transient(op, ref, err)
}

// Read fetches one coil, discrete input or register.
func (b *Backend) Read(ctx context.Context, ref point.Ref) (point.Value, error) {
	u, a, err := b.lookup("read", ref)
	if err != nil {
		return nil, err
	}
	var out point.Value
	err = b.do("read", ref, u, func(c Client) error {
		switch a.table {
		case Coils:
			v, err := c.ReadCoil(a.addr)
			out = point.Digital(v)
			return err
		case DiscreteInputs:
			v, err := c.ReadDiscreteInput(a.addr)
			out = point.Digital(v)
			return err
		case HoldingRegisters:
			raw, err := c.ReadRegister(a.addr, modbus.HOLDING_REGISTER)
			out = point.Analog(float64(raw)*u.cfg.Scale + u.cfg.Offset)
			return err
		default:
			raw, err := c.ReadRegister(a.addr, modbus.INPUT_REGISTER)
			out = point.Analog(float64(raw)*u.cfg.Scale + u.cfg.Offset)
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write sets a coil or holding register.
func (b *Backend) Write(ctx context.Context, ref point.Ref, v point.Value) error {
	u, a, err := b.lookup("write", ref)
	if err != nil {
		return err
	}
	switch a.table {
	case Coils:
		d, ok := v.(point.Digital)
		if !ok {
			return backend.Fatal("write", ref, fmt.Errorf("coils take digital values, got %T", v))
		}
		return b.do("write", ref, u, func(c Client) error {
			return c.WriteCoil(a.addr, bool(d))
		})
	case HoldingRegisters:
		av, ok := v.(point.Analog)
		if !ok {
			return backend.Fatal("write", ref, fmt.Errorf("registers take analog values, got %T", v))
		}
		raw := math.Round((float64(av) - u.cfg.Offset) / u.cfg.Scale)
		if raw < 0 || raw > math.MaxUint16 {
			return backend.Fatal("write", ref, fmt.Errorf("value %v outside register range", float64(av)))
		}
		return b.do("write", ref, u, func(c Client) error {
			return c.WriteRegister(a.addr, uint16(raw))
		})
	default:
		return backend.Fatal("write", ref, fmt.Errorf("table %s is read-only", a.table))
	}
}

// Shutdown closes every connection.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	if err := b.disconnectAll(); err != nil {
		return backend.Transient("shutdown", point.Ref{}, err)
	}
	return nil
}

var fatalErrors = []error{
	modbus.ErrIllegalFunction,
	modbus.ErrIllegalDataAddress,
	modbus.ErrIllegalDataValue,
}

var exceptionErrors = []error{
	modbus.ErrIllegalFunction,
	modbus.ErrIllegalDataAddress,
	modbus.ErrIllegalDataValue,
	modbus.ErrServerDeviceFailure,
	modbus.ErrAcknowledge,
	modbus.ErrServerDeviceBusy,
	modbus.ErrMemoryParityError,
	modbus.ErrGWPathUnavailable,
	modbus.ErrGWTargetFailedToRespond,
}

// classify maps library errors onto the retry policy. Addressing and
// function errors are configuration mistakes; everything else, including
// timeouts and gateway errors, may clear on the next poll.
func classify(err error) backend.Severity {
	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return backend.SeverityFatal
		}
	}
	return backend.SeverityTransient
}

// isException reports whether the device answered with a Modbus exception,
// which means the transport itself is healthy.
func isException(err error) bool {
	for _, target := range exceptionErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
