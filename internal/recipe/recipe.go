// Package recipe composes the execution-context engine (internal/context)
// and the device-operation verb set (internal/deviceops) into the five
// named reset phases a caller actually invokes (spec C9): reset_firmware,
// reset_operating_system, reset_config, reset_data, and
// set_electronics_reference. Every phase runs under internal/progress's
// retry-and-status machinery and a per-device-session
// golang.org/x/sync/errgroup.Group, and always restores hardware defaults
// on exit via internal/context's HardPowerOff.
//
// Grounded on other_examples/fleetd-sh-fleetd's provision.Provisioner
// (Provision/Validate/Cleanup plus a ProgressReporter with
// UpdateStatus/UpdateProgress) — the named-recipe composition shape here
// mirrors that interface closely, generalized to operate over an entered
// execution context instead of a raw device path, and to publish through
// internal/progress's StatusMap/Broadcaster instead of a bare callback.
package recipe

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sbtinstruments/wright/config"
	"github.com/sbtinstruments/wright/device"
	wcontext "github.com/sbtinstruments/wright/internal/context"
	"github.com/sbtinstruments/wright/internal/deviceops"
	"github.com/sbtinstruments/wright/internal/progress"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "recipe")

// Phase names, published as StatusMap/Broadcaster keys.
const (
	NameResetFirmware           = "reset_firmware"
	NameResetOperatingSystem    = "reset_operating_system"
	NameResetConfig             = "reset_config"
	NameResetData               = "reset_data"
	NameSetElectronicsReference = "set_electronics_reference"
)

// MMC partition geometry matching the fixed GPT layout internal/deviceops's
// PartitionMmc writes, in 512-byte sectors (the unit `mmc write` takes):
// system0/system1 150 MiB (0x4B000 sectors) each, config 100 MiB (0x32000
// sectors), laid end to end from the first usable LBA, 0x22.
const (
	system0Offset = "0x22"
	system0Length = "0x4B000"
	system1Offset = "0x4B022"
	system1Length = "0x4B000"
	configOffset  = "0x96022"
	configLength  = "0x32000"
)

// Engine runs named recipes against devices. One Engine is shared by every
// device a host workstation provisions; per-device state lives in the
// *device.Device values it's called with.
type Engine struct {
	cfg      config.Settings
	statuses *progress.StatusMap
	bus      *progress.Broadcaster

	inflight singleflight.Group
}

// NewEngine builds an Engine publishing through statuses and bus.
func NewEngine(cfg config.Settings, statuses *progress.StatusMap, bus *progress.Broadcaster) *Engine {
	return &Engine{cfg: cfg, statuses: statuses, bus: bus}
}

func deviceKey(dev *device.Device) string {
	return dev.Description.Link.Communication.Hostname
}

// run executes fn as a retried, status-published step named name, bounded
// by timeout. Overlapping calls for the same device and phase name are
// coalesced via singleflight: a second caller of an in-flight phase waits
// for and receives the first caller's result instead of racing it on the
// same physical hardware.
func (e *Engine) run(ctx context.Context, dev *device.Device, name string, timeout time.Duration, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	key := fmt.Sprintf("%s/%s", deviceKey(dev), name)
	return e.inflight.Do(key, func() (interface{}, error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var result interface{}
		err := progress.RunStep(stepCtx, e.statuses, e.bus, name, e.cfg.DefaultMaxTries, func(innerCtx context.Context) error {
			r, err := fn(innerCtx)
			result = r
			return err
		})
		return result, err
	})
}

// withSession runs fn under its own errgroup.Group (spec §5 "Scheduling
// model": one Group owns all top-level goroutines of a device session),
// then unconditionally hard-powers the device off, shielded from ctx's own
// cancellation, before returning fn's error (spec §5 "Cleanup guarantee").
func (e *Engine) withSession(ctx context.Context, dev *device.Device, fn func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fn(gctx) })
	err := g.Wait()

	if hpoErr := wcontext.HardPowerOff(context.Background(), dev); hpoErr != nil {
		plog.Warningf("hard power off after %s: %v", deviceKey(dev), hpoErr)
	}
	return err
}

// ResetFirmware boots bundle's FSBL/U-boot over JTAG, then erases the
// device's flash and writes firmwareFile to it.
func (e *Engine) ResetFirmware(ctx context.Context, dev *device.Device, bundle wcontext.LiveUbootBundle, firmwareFile string) error {
	_, err := e.run(ctx, dev, NameResetFirmware, e.cfg.ResetFirmwareTimeout, func(stepCtx context.Context) (interface{}, error) {
		return nil, e.withSession(stepCtx, dev, func(sessionCtx context.Context) error {
			u, err := wcontext.EnterLiveUboot(sessionCtx, dev, e.cfg, bundle)
			if err != nil {
				return errors.Wrap(err, "recipe: reset_firmware enter live-uboot")
			}
			defer u.Close(context.Background())

			ops := deviceops.NewUboot(e.cfg, u)
			if err := ops.EraseFlash(sessionCtx); err != nil {
				return errors.Wrap(err, "recipe: reset_firmware erase")
			}
			if err := ops.WriteImageToFlash(sessionCtx, firmwareFile); err != nil {
				return errors.Wrap(err, "recipe: reset_firmware write")
			}
			return nil
		})
	})
	return err
}

// ResetOperatingSystem partitions the MMC and writes osImageFile to both
// system0 and system1 partitions from the device's own on-flash U-boot.
// PartitionMmc self-closes its context (gpt write is state-invalidating),
// so partitioning and writing run as two separate device sessions — the
// second's EnterDeviceUboot performs a full power-on boot sequence, since
// the first session's cleanup already cleared the device's marker.
func (e *Engine) ResetOperatingSystem(ctx context.Context, dev *device.Device, osImageFile string) error {
	_, err := e.run(ctx, dev, NameResetOperatingSystem, e.cfg.ResetOperatingSystemTimeout, func(stepCtx context.Context) (interface{}, error) {
		partitionErr := e.withSession(stepCtx, dev, func(sessionCtx context.Context) error {
			u, err := wcontext.EnterDeviceUboot(sessionCtx, dev, e.cfg)
			if err != nil {
				return errors.Wrap(err, "recipe: reset_operating_system enter device-uboot (partition)")
			}
			defer u.Close(context.Background())

			ops := deviceops.NewUboot(e.cfg, u)
			if err := ops.PartitionMmc(sessionCtx); err != nil {
				return errors.Wrap(err, "recipe: reset_operating_system partition")
			}
			return nil
		})
		if partitionErr != nil {
			return nil, partitionErr
		}

		return nil, e.withSession(stepCtx, dev, func(sessionCtx context.Context) error {
			u, err := wcontext.EnterDeviceUboot(sessionCtx, dev, e.cfg)
			if err != nil {
				return errors.Wrap(err, "recipe: reset_operating_system enter device-uboot (write)")
			}
			defer u.Close(context.Background())

			ops := deviceops.NewUboot(e.cfg, u)
			partitions := []deviceops.MmcPartition{
				{Name: "system0", Offset: system0Offset, Length: system0Length},
				{Name: "system1", Offset: system1Offset, Length: system1Length},
			}
			if err := ops.WriteImageToMmc(sessionCtx, osImageFile, partitions...); err != nil {
				return errors.Wrap(err, "recipe: reset_operating_system write")
			}
			return nil
		})
	})
	return err
}

// ResetConfig writes configImageFile to the config partition. It does not
// partition the MMC; the GPT layout written by ResetOperatingSystem is
// assumed to be in place.
func (e *Engine) ResetConfig(ctx context.Context, dev *device.Device, configImageFile string) error {
	_, err := e.run(ctx, dev, NameResetConfig, e.cfg.ResetConfigTimeout, func(stepCtx context.Context) (interface{}, error) {
		return nil, e.withSession(stepCtx, dev, func(sessionCtx context.Context) error {
			u, err := wcontext.EnterDeviceUboot(sessionCtx, dev, e.cfg)
			if err != nil {
				return errors.Wrap(err, "recipe: reset_config enter device-uboot")
			}
			defer u.Close(context.Background())

			ops := deviceops.NewUboot(e.cfg, u)
			part := deviceops.MmcPartition{Name: "config", Offset: configOffset, Length: configLength}
			if err := ops.WriteImageToMmc(sessionCtx, configImageFile, part); err != nil {
				return errors.Wrap(err, "recipe: reset_config write")
			}
			return nil
		})
	})
	return err
}

// ResetData enters the installed OS and reformats its data partition.
func (e *Engine) ResetData(ctx context.Context, dev *device.Device) error {
	_, err := e.run(ctx, dev, NameResetData, e.cfg.ResetDataTimeout, func(stepCtx context.Context) (interface{}, error) {
		return nil, e.withSession(stepCtx, dev, func(sessionCtx context.Context) error {
			l, err := wcontext.EnterDeviceLinux(sessionCtx, dev, e.cfg, false)
			if err != nil {
				return errors.Wrap(err, "recipe: reset_data enter device-linux")
			}
			defer l.Close(context.Background())

			ops := deviceops.NewLinux(l)
			return ops.ResetData(sessionCtx)
		})
	})
	return err
}

// SetElectronicsReference enters the installed OS, runs the electronics
// self-test program to completion, and returns its captured reference
// sweep.
func (e *Engine) SetElectronicsReference(ctx context.Context, dev *device.Device) (*deviceops.FrequencySweep, error) {
	result, err := e.run(ctx, dev, NameSetElectronicsReference, e.cfg.SetElectronicsRefTimeout, func(stepCtx context.Context) (interface{}, error) {
		var sweep *deviceops.FrequencySweep
		sessionErr := e.withSession(stepCtx, dev, func(sessionCtx context.Context) error {
			l, err := wcontext.EnterDeviceLinux(sessionCtx, dev, e.cfg, false)
			if err != nil {
				return errors.Wrap(err, "recipe: set_electronics_reference enter device-linux")
			}
			defer l.Close(context.Background())

			ops := deviceops.NewLinux(l)
			fs, err := ops.SetElectronicsReference(sessionCtx)
			if err != nil {
				return errors.Wrap(err, "recipe: set_electronics_reference run")
			}
			sweep = fs
			return nil
		})
		return sweep, sessionErr
	})
	if err != nil {
		return nil, err
	}
	sweep, _ := result.(*deviceops.FrequencySweep)
	return sweep, nil
}
