package mcp23017

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/ValorenceCLE/iocontrol/internal/backend"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// fakeBus emulates register files of devices with sequential addressing.
type fakeBus struct {
	mu     sync.Mutex
	name   string
	regs   map[uint16]*[32]byte
	fail   error
	closed bool
}

func newFakeBus(name string, addrs ...uint16) *fakeBus {
	f := &fakeBus{name: name, regs: make(map[uint16]*[32]byte)}
	for _, a := range addrs {
		f.regs[a] = &[32]byte{}
	}
	return f
}

func (f *fakeBus) String() string                       { return f.name }
func (f *fakeBus) SetSpeed(freq physic.Frequency) error { return nil }

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBus) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	regs, ok := f.regs[addr]
	if !ok {
		return errors.New("i2c: nack")
	}
	if len(w) == 0 {
		return nil
	}
	reg := int(w[0])
	for i, b := range w[1:] {
		regs[reg+i] = b
	}
	for i := range r {
		r[i] = regs[reg+i]
	}
	return nil
}

func (f *fakeBus) reg(addr uint16, reg byte) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr][reg]
}

func (f *fakeBus) setReg(addr uint16, reg, v byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[addr][reg] = v
}

func opener(buses map[string]*fakeBus) Opener {
	return func(name string) (i2c.BusCloser, error) {
		b, ok := buses[name]
		if !ok {
			return nil, errors.New("no such bus")
		}
		return b, nil
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New("mcp", []ChipConfig{{Name: "chip0", Bus: "1", Address: 0x10}})
	assert.Error(t, err, "address out of range")

	_, err = New("mcp", []ChipConfig{{Name: "chip0", Bus: "1", Address: 0x20, Model: "mcp9999"}})
	assert.Error(t, err, "unknown model")

	_, err = New("mcp", []ChipConfig{
		{Name: "chip0", Bus: "1", Address: 0x20},
		{Name: "chip1", Bus: "1", Address: 0x20},
	})
	assert.Error(t, err, "shared address")

	_, err = New("mcp", []ChipConfig{
		{Name: "chip0", Bus: "1", Address: 0x20},
		{Name: "CHIP0", Bus: "2", Address: 0x21},
	})
	assert.Error(t, err, "duplicate name")

	_, err = New("mcp", []ChipConfig{
		{Name: "chip0", Bus: "1", Address: 0x20},
		{Name: "chip1", Bus: "2", Address: 0x20},
	})
	assert.NoError(t, err, "same address on different buses")
}

func TestResolve(t *testing.T) {
	b, err := New("mcp", []ChipConfig{
		{Name: "chip0", Bus: "1", Address: 0x20},
		{Name: "small", Bus: "1", Address: 0x21, Model: MCP23008},
	})
	require.NoError(t, err)

	assert.NoError(t, b.Resolve(point.MustParseRef("mcp.chip0.pin15"), point.DigitalInput))
	assert.True(t, backend.IsFatal(b.Resolve(point.MustParseRef("mcp.chip0.pin16"), point.DigitalInput)))
	assert.True(t, backend.IsFatal(b.Resolve(point.MustParseRef("mcp.small.pin8"), point.DigitalInput)))
	assert.True(t, backend.IsFatal(b.Resolve(point.MustParseRef("mcp.chip9.pin0"), point.DigitalInput)))
	assert.True(t, backend.IsFatal(b.Resolve(point.MustParseRef("mcp.chip0.gpio0"), point.DigitalInput)))
	assert.True(t, backend.IsFatal(b.Resolve(point.MustParseRef("mcp.chip0.pin0"), point.AnalogInput)))
}

func TestBusSharedAcrossChips(t *testing.T) {
	b, err := New("mcp", []ChipConfig{
		{Name: "chip0", Bus: "1", Address: 0x20},
		{Name: "chip1", Bus: "1", Address: 0x21},
		{Name: "chip2", Bus: "2", Address: 0x20},
	})
	require.NoError(t, err)

	k0 := backend.BusKey(b, point.MustParseRef("mcp.chip0.pin0"))
	k1 := backend.BusKey(b, point.MustParseRef("mcp.chip1.pin0"))
	k2 := backend.BusKey(b, point.MustParseRef("mcp.chip2.pin0"))
	assert.Equal(t, k0, k1)
	assert.NotEqual(t, k0, k2)
}

func TestInitializeProgramsRegisters(t *testing.T) {
	bus := newFakeBus("1", 0x20)
	b, err := New("mcp", []ChipConfig{{Name: "chip0", Bus: "1", Address: 0x20}},
		WithOpener(opener(map[string]*fakeBus{"1": bus})))
	require.NoError(t, err)

	lines := []backend.Line{
		{Ref: point.MustParseRef("mcp.chip0.pin0"), Type: point.DigitalInput, PullUp: true},
		{Ref: point.MustParseRef("mcp.chip0.pin9"), Type: point.DigitalOutput},
	}
	require.NoError(t, b.Initialize(context.Background(), lines))

	assert.Equal(t, byte(0xFF), bus.reg(0x20, 0x00), "IODIRA all inputs")
	assert.Equal(t, byte(0xFD), bus.reg(0x20, 0x01), "IODIRB pin9 output")
	assert.Equal(t, byte(0x01), bus.reg(0x20, 0x0C), "GPPUA pin0 pull-up")
	assert.Equal(t, byte(0x00), bus.reg(0x20, 0x0D))

	require.NoError(t, b.Initialize(context.Background(), lines), "idempotent")
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus("1", 0x20, 0x21)
	b, err := New("mcp", []ChipConfig{
		{Name: "chip0", Bus: "1", Address: 0x20},
		{Name: "small", Bus: "1", Address: 0x21, Model: MCP23008},
	}, WithOpener(opener(map[string]*fakeBus{"1": bus})))
	require.NoError(t, err)

	in := point.MustParseRef("mcp.chip0.pin10")
	out := point.MustParseRef("mcp.chip0.pin3")
	small := point.MustParseRef("mcp.small.pin7")
	require.NoError(t, b.Initialize(ctx, []backend.Line{
		{Ref: in, Type: point.DigitalInput},
		{Ref: out, Type: point.DigitalOutput},
		{Ref: small, Type: point.DigitalOutput},
	}))

	v, err := b.Read(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, point.Digital(false), v)

	bus.setReg(0x20, 0x13, 0x04) // GPIOB bit 2 = pin10
	v, err = b.Read(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, point.Digital(true), v)

	require.NoError(t, b.Write(ctx, out, point.Digital(true)))
	assert.Equal(t, byte(0x08), bus.reg(0x20, 0x14), "OLATA pin3")
	require.NoError(t, b.Write(ctx, out, point.Digital(false)))
	assert.Equal(t, byte(0x00), bus.reg(0x20, 0x14))

	require.NoError(t, b.Write(ctx, small, point.Digital(true)))
	assert.Equal(t, byte(0x80), bus.reg(0x21, 0x0A), "MCP23008 OLAT")

	assert.True(t, backend.IsFatal(b.Write(ctx, in, point.Digital(true))), "input pins reject writes")
	assert.True(t, backend.IsFatal(b.Write(ctx, out, point.Analog(1))))
}

func TestBusErrorsAreTransient(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus("1", 0x20)
	b, err := New("mcp", []ChipConfig{{Name: "chip0", Bus: "1", Address: 0x20}},
		WithOpener(opener(map[string]*fakeBus{"1": bus})))
	require.NoError(t, err)
	ref := point.MustParseRef("mcp.chip0.pin0")
	require.NoError(t, b.Initialize(ctx, []backend.Line{{Ref: ref, Type: point.DigitalOutput}}))

	bus.mu.Lock()
	bus.fail = errors.New("i2c: nack")
	bus.mu.Unlock()

	_, err = b.Read(ctx, ref)
	assert.True(t, backend.IsTransient(err))
	err = b.Write(ctx, ref, point.Digital(true))
	assert.True(t, backend.IsTransient(err))
}

func TestInitializeFailures(t *testing.T) {
	ctx := context.Background()

	b, err := New("mcp", []ChipConfig{{Name: "chip0", Bus: "9", Address: 0x20}},
		WithOpener(opener(map[string]*fakeBus{})))
	require.NoError(t, err)
	assert.True(t, backend.IsFatal(b.Initialize(ctx, nil)), "unopenable bus")

	bus := newFakeBus("1") // no device answers
	b, err = New("mcp", []ChipConfig{{Name: "chip0", Bus: "1", Address: 0x20}},
		WithOpener(opener(map[string]*fakeBus{"1": bus})))
	require.NoError(t, err)
	assert.True(t, backend.IsTransient(b.Initialize(ctx, nil)), "absent device")
	assert.True(t, bus.closed)
}

func TestShutdownClosesBuses(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus("1", 0x20)
	b, err := New("mcp", []ChipConfig{{Name: "chip0", Bus: "1", Address: 0x20}},
		WithOpener(opener(map[string]*fakeBus{"1": bus})))
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx, nil))
	require.NoError(t, b.Shutdown(ctx))
	assert.True(t, bus.closed)

	_, err = b.Read(ctx, point.MustParseRef("mcp.chip0.pin0"))
	assert.True(t, backend.IsTransient(err), "reads after shutdown fail until re-initialized")
}
