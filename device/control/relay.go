package control

import (
	"context"
	"fmt"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "control")

// RelayBus is the minimal I2C transaction surface a relay board driver
// needs. *periph.io/x/conn/v3/i2c.Dev satisfies this; tests substitute a
// fake bus.
type RelayBus interface {
	Tx(w, r []byte) error
}

// relayCommand is the two-byte protocol spoken to the relay board: byte
// 0 selects the channel, byte 1 is 0x01 (close/on) or 0x00 (open/off).
func relayCommand(channel int, on bool) []byte {
	state := byte(0x00)
	if on {
		state = 0x01
	}
	return []byte{byte(channel), state}
}

// RelayPower is a PowerControl variant backed by one channel of a shared
// I2C relay board.
type RelayPower struct {
	Bus     RelayBus
	Channel int

	state bool
}

var _ PowerControl = (*RelayPower)(nil)

func (r *RelayPower) GetState(ctx context.Context) (bool, error) {
	return r.state, nil
}

func (r *RelayPower) SetState(ctx context.Context, on bool) error {
	if err := r.Bus.Tx(relayCommand(r.Channel, on), nil); err != nil {
		return fmt.Errorf("control: relay power channel %d: %w", r.Channel, err)
	}
	r.state = on
	plog.Debugf("relay power channel %d -> %v", r.Channel, on)
	return nil
}

func (r *RelayPower) Scoped(ctx context.Context, on bool) (func(context.Context) error, error) {
	return scopedPower(ctx, r, on)
}

// RelayBootMode is a BootModeControl variant backed by one channel of a
// shared I2C relay board (used when boot-mode selection is wired through
// the same relay board as power, rather than a dedicated GPIO pin).
type RelayBootMode struct {
	Bus     RelayBus
	Channel int

	mode BootMode
}

var _ BootModeControl = (*RelayBootMode)(nil)

func (r *RelayBootMode) GetMode(ctx context.Context) (BootMode, error) {
	return r.mode, nil
}

func (r *RelayBootMode) SetMode(ctx context.Context, mode BootMode) error {
	if err := r.Bus.Tx(relayCommand(r.Channel, mode == Jtag), nil); err != nil {
		return fmt.Errorf("control: relay boot-mode channel %d: %w", r.Channel, err)
	}
	r.mode = mode
	plog.Debugf("relay boot-mode channel %d -> %v", r.Channel, mode)
	return nil
}

func (r *RelayBootMode) Scoped(ctx context.Context, mode BootMode) (func(context.Context) error, error) {
	return scopedBootMode(ctx, r, mode)
}
