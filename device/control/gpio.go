package control

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

var hostInitOnce sync.Once
var hostInitErr error

func ensureHostInit() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// GPIOBootMode is a BootModeControl variant backed by a single Raspberry-Pi
// (or similar periph.io host) GPIO pin, sampled by the SoC at reset the way
// an STM32's BOOT0 pin is sampled (see the grounding note in DESIGN.md).
//
// On a non-target host (periph's host.Init fails, e.g. a developer laptop)
// construction still succeeds; the failure surfaces at first real use as a
// ValidationError, never as a silent no-op, since production hosts are
// real and a silently-ignored boot-mode write would brick the next reset.
type GPIOBootMode struct {
	PinName string // e.g. "GPIO5", BCM numbering

	mu  sync.Mutex
	pin gpio.PinIO
}

var _ BootModeControl = (*GPIOBootMode)(nil)

func (g *GPIOBootMode) resolve() (gpio.PinIO, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pin != nil {
		return g.pin, nil
	}
	if err := ensureHostInit(); err != nil {
		return nil, &wrighterrors.ValidationError{Detail: fmt.Sprintf("gpio host init failed (not a production host?): %v", err)}
	}
	pin := gpioreg.ByName(g.PinName)
	if pin == nil {
		return nil, &wrighterrors.ValidationError{Detail: fmt.Sprintf("gpio pin %q not found", g.PinName)}
	}
	g.pin = pin
	return pin, nil
}

func (g *GPIOBootMode) GetMode(ctx context.Context) (BootMode, error) {
	pin, err := g.resolve()
	if err != nil {
		return DefaultBootMode, err
	}
	if pin.Read() == gpio.High {
		return Jtag, nil
	}
	return Qspi, nil
}

func (g *GPIOBootMode) SetMode(ctx context.Context, mode BootMode) error {
	pin, err := g.resolve()
	if err != nil {
		return err
	}
	level := gpio.Low
	if mode == Jtag {
		level = gpio.High
	}
	if err := pin.Out(level); err != nil {
		return fmt.Errorf("control: gpio pin %q: %w", g.PinName, err)
	}
	plog.Debugf("gpio boot-mode pin %s -> %v", g.PinName, mode)
	return nil
}

func (g *GPIOBootMode) Scoped(ctx context.Context, mode BootMode) (func(context.Context) error, error) {
	return scopedBootMode(ctx, g, mode)
}
