package control

import "context"

// BootMode selects whether the SoC waits for a JTAG debugger at reset
// (Jtag) or boots autonomously from QSPI flash (Qspi, the default/runtime
// mode).
type BootMode int

const (
	Qspi BootMode = iota
	Jtag
)

func (m BootMode) String() string {
	if m == Jtag {
		return "jtag"
	}
	return "qspi"
}

// DefaultBootMode is the safe boot mode asserted on both scope entry and
// scope exit.
const DefaultBootMode = Qspi

// BootModeControl selects which boot mode the SoC samples at the next
// reset. Concrete variants dispatch to a GPIO pin or an I2C relay channel.
type BootModeControl interface {
	GetMode(ctx context.Context) (BootMode, error)
	SetMode(ctx context.Context, mode BootMode) error

	// Scoped asserts DefaultBootMode, then sets mode, and returns a release
	// function that restores DefaultBootMode. Both the entry assertion and
	// the exit restoration target the default, not whatever mode happened
	// to be set before — this recovers from an operator having left the
	// hardware in an unexpected mode (spec §4.1).
	Scoped(ctx context.Context, mode BootMode) (release func(context.Context) error, err error)
}

// scopedBootMode is the shared Scoped() implementation every concrete
// BootModeControl embeds, so the entry/exit default-assertion rule lives in
// exactly one place.
func scopedBootMode(ctx context.Context, c BootModeControl, mode BootMode) (func(context.Context) error, error) {
	if err := c.SetMode(ctx, DefaultBootMode); err != nil {
		return nil, err
	}
	if err := c.SetMode(ctx, mode); err != nil {
		return nil, err
	}
	return func(releaseCtx context.Context) error {
		return c.SetMode(releaseCtx, DefaultBootMode)
	}, nil
}
