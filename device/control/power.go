package control

import "context"

// DefaultPowerState is the safe power state asserted on both scope entry
// and scope exit: powered off.
const DefaultPowerState = false

// PowerControl switches a device's main power on or off. Concrete variants
// dispatch to an indexed channel on a shared I2C relay board.
type PowerControl interface {
	GetState(ctx context.Context) (bool, error)
	SetState(ctx context.Context, on bool) error

	// Scoped asserts DefaultPowerState, then sets on, and returns a release
	// function that restores DefaultPowerState (spec §4.1).
	Scoped(ctx context.Context, on bool) (release func(context.Context) error, err error)
}

func scopedPower(ctx context.Context, c PowerControl, on bool) (func(context.Context) error, error) {
	if err := c.SetState(ctx, DefaultPowerState); err != nil {
		return nil, err
	}
	if err := c.SetState(ctx, on); err != nil {
		return nil, err
	}
	return func(releaseCtx context.Context) error {
		return c.SetState(releaseCtx, DefaultPowerState)
	}, nil
}
