// Package context implements the execution-context engine (spec C7): the
// state machine that moves a single device between {off, JtagUboot,
// DeviceUboot, LiveLinux, DeviceLinux}, owning whichever of C2 (serial),
// C3 (SSH), C4 (OCD), and C5 (TFTP) that environment needs for its
// lifetime, and guaranteeing teardown on exit or cancellation.
//
// Grounded on mantle/platform.go's Machine interface (Start/Reboot/Destroy/
// ConsoleOutput, a resource-owning session generalized here from "one VM
// instance in a cluster" to "one of five mutually exclusive environments
// for the same physical board"). A context's owned servers (OpenOCD
// server, TFTP server) run on their own goroutines and are stopped by the
// context's SelfClose/Close; they are not members of internal/recipe's
// per-session errgroup.Group, which runs only the session body.
package context

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/device"
	"github.com/sbtinstruments/wright/device/control"
	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "context")

// Kind names one of the five mutually exclusive execution environments.
type Kind int

const (
	Off Kind = iota
	KindLiveUboot
	KindDeviceUboot
	KindLiveLinux
	KindDeviceLinux
)

func (k Kind) String() string {
	switch k {
	case Off:
		return "off"
	case KindLiveUboot:
		return "jtag-uboot"
	case KindDeviceUboot:
		return "device-uboot"
	case KindLiveLinux:
		return "live-linux"
	case KindDeviceLinux:
		return "device-linux"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Context is the common surface every execution-context variant exposes.
// Operations specific to a variant (U-boot's flash/mmc verbs, Linux's
// service/file verbs) are built in internal/deviceops on top of the
// concrete *UbootContext/*LinuxContext types defined in this package.
type Context interface {
	Kind() Kind
	// Close releases every resource this context owns and clears the
	// device's execution-context marker. Safe to call more than once.
	Close(ctx context.Context) error
}

// selfClose is embedded by both concrete context types to implement the
// shared "state-invalidating command exits the context" semantics (spec
// §4.7, §9): an exited context answers every further operation with
// *wrighterrors.ContextExited instead of touching a closed resource.
type selfClose struct {
	exited bool
}

func (s *selfClose) checkLive(kind Kind) error {
	if s.exited {
		return &wrighterrors.ContextExited{Context: kind.String()}
	}
	return nil
}

// alreadyEntered reports whether dev's marker already names kind — in which
// case entering again is a no-op except for allocating fresh resources
// (spec §4.7 "Transitions").
func alreadyEntered(dev *device.Device, kind Kind) bool {
	return dev.Marker() == kind.String()
}

// HardPowerOff asserts the hardware defaults (power off, boot-mode Qspi)
// and clears the device's execution-context marker. Every device session's
// scope exit calls this last, shielded with context.Background, whether the
// session succeeded, failed or was cancelled; a panic in the session is not
// recovered and does not reach this call (spec §5 "Cleanup guarantee").
func HardPowerOff(ctx context.Context, dev *device.Device) error {
	link := dev.Description.Link
	var err error
	if e := link.Control.Power.SetState(ctx, control.DefaultPowerState); e != nil {
		err = errors.Wrap(e, "context: hard power off")
	}
	if e := link.Control.BootMode.SetMode(ctx, control.DefaultBootMode); e != nil {
		err = errors.Wrap(e, "context: restore default boot mode")
	}
	dev.SetMarker("")
	plog.Infof("hard power off: %s", dev.Description.Link.Communication.Hostname)
	return err
}

// powerOffSettle is the minimum time power is held off during a hard
// restart before being reasserted, long enough for on-board supplies to
// discharge.
const powerOffSettle = 200 * time.Millisecond

// hardRestart power-cycles the device with its boot-mode pin scoped to mode
// for holdAfterOn after power returns — long enough for the SoC to latch
// the pin at reset — then restores the default boot mode (spec §4.1: "a
// default state is asserted on both scope entry and exit"). The SoC does
// not resample the pin once booted, so restoring the default afterward is
// harmless to the boot already in progress.
func hardRestart(ctx context.Context, dev *device.Device, mode control.BootMode, holdAfterOn time.Duration) error {
	link := dev.Description.Link

	release, err := link.Control.BootMode.Scoped(ctx, mode)
	if err != nil {
		return errors.Wrap(err, "context: scope boot mode")
	}
	defer func() {
		if e := release(ctx); e != nil {
			plog.Warningf("restore default boot mode: %v", e)
		}
	}()

	if err := link.Control.Power.SetState(ctx, false); err != nil {
		return errors.Wrap(err, "context: power off for restart")
	}
	if err := sleep(ctx, powerOffSettle); err != nil {
		return err
	}
	if err := link.Control.Power.SetState(ctx, true); err != nil {
		return errors.Wrap(err, "context: power on for restart")
	}
	return sleep(ctx, holdAfterOn)
}

// sleep is a context-aware time.Sleep, the suspension point named in spec
// §5 for explicit deadline barriers.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
