package context

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/config"
	"github.com/sbtinstruments/wright/device"
	"github.com/sbtinstruments/wright/device/control"
	"github.com/sbtinstruments/wright/internal/ocd"
	"github.com/sbtinstruments/wright/internal/serialcli"
	"github.com/sbtinstruments/wright/internal/tftpserver"
	"github.com/sbtinstruments/wright/internal/workdir"
)

// liveUbootPromptFallback is the live bundled U-boot's prompt, used
// verbatim regardless of DeviceType per SPEC_FULL.md's Open Question
// resolution (§9): the defconfig this U-boot was built from hard-codes it.
const liveUbootPromptFallback = "bactobox> "

const (
	jtagHoldAfterPowerOn = 100 * time.Millisecond
	fsblLoadAddr         = "0"
	ubootLoadAddr        = "0x04000000"
)

// LiveUbootBundle names the already-extracted artifacts a LiveUboot entry
// injects over JTAG. Extraction of the SWU archive that produced them is
// out of scope (spec §1); this engine only consumes the resulting paths.
type LiveUbootBundle struct {
	FSBLPath      string
	UBootPath     string
	OCDConfigFile string
}

// UbootContext is either variant of the U-boot execution context: LiveUboot
// (injected over JTAG) or DeviceUboot (the device's own on-flash firmware).
// It owns a serial command line and a TFTP server for the duration of the
// session; LiveUboot additionally owns an OpenOCD server and client.
type UbootContext struct {
	selfClose

	kind Kind
	dev  *device.Device
	cfg  config.Settings

	serial *serialcli.Line
	tftp   *tftpserver.Server

	ocdServer *ocd.Server
	ocdClient *ocd.Client

	networkOnce sync.Once
	networkErr  error
}

var _ Context = (*UbootContext)(nil)

func (u *UbootContext) Kind() Kind { return u.kind }

// Device returns the borrowed device pointer this context operates on, for
// internal/deviceops's condition-degradation wrapper.
func (u *UbootContext) Device() *device.Device { return u.dev }

// prompt returns this instance's console prompt: the live bundled U-boot
// always answers liveUbootPromptFallback (kept verbatim per the Open
// Question resolution), while the device's own firmware answers with its
// device-type prefix.
func (u *UbootContext) prompt() string {
	if u.kind == KindLiveUboot {
		return liveUbootPromptFallback
	}
	return fmt.Sprintf("%s> ", u.dev.Description.Type)
}

// Serial returns the owned serial command line for use by internal/deviceops.
func (u *UbootContext) Serial() *serialcli.Line { return u.serial }

// CheckLive returns *wrighterrors.ContextExited if this instance has
// self-closed (a prior state-invalidating command), or the
// *wrighterrors.ServerError from a crashed OpenOCD process for a LiveUboot
// session. internal/deviceops calls this before issuing any command.
func (u *UbootContext) CheckLive() error {
	if err := u.checkLive(u.kind); err != nil {
		return err
	}
	if u.ocdServer != nil {
		if err := u.ocdServer.Err(); err != nil {
			return err
		}
	}
	return nil
}

// EnterLiveUboot injects bundle's FSBL and U-boot over JTAG and returns a
// UbootContext once the bundled U-boot answers its console prompt (spec
// §4.7 LiveUboot row). If dev's marker already names KindLiveUboot, only
// fresh serial and TFTP resources are allocated (no OCD server is started)
// and the boot sequence is elided.
func EnterLiveUboot(ctx context.Context, dev *device.Device, cfg config.Settings, bundle LiveUbootBundle) (*UbootContext, error) {
	u := &UbootContext{kind: KindLiveUboot, dev: dev, cfg: cfg}

	if alreadyEntered(dev, KindLiveUboot) {
		plog.Infof("live-uboot: marker already set, skipping boot sequence")
		return u, u.openSerial(ctx)
	}

	if err := hardRestart(ctx, dev, control.Jtag, jtagHoldAfterPowerOn); err != nil {
		return nil, errors.Wrap(err, "context: live-uboot hard restart")
	}

	comm := dev.Description.Link.Communication
	tclPort := cfg.OCDTCLPort
	if comm.OCDTCLPort != 0 {
		tclPort = comm.OCDTCLPort
	}

	serverOpts := ocd.ServerOptions{ConfigFile: bundle.OCDConfigFile, TCLPort: tclPort}
	if comm.JTAGUSBSerial != "" {
		serverOpts.TCLCommands = append(serverOpts.TCLCommands, fmt.Sprintf("ftdi_serial %s", comm.JTAGUSBSerial))
	}

	server, err := u.startOCDServerWithRecovery(ctx, serverOpts, comm.JTAGUSBSerial)
	if err != nil {
		return nil, err
	}
	u.ocdServer = server

	client, err := ocd.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", tclPort))
	if err != nil {
		server.Stop()
		return nil, errors.Wrap(err, "context: dial ocd tcl port")
	}
	u.ocdClient = client

	if err := u.injectFSBLAndUboot(ctx, bundle); err != nil {
		u.teardownOCD()
		return nil, err
	}

	if err := u.openSerial(ctx); err != nil {
		u.teardownOCD()
		return nil, err
	}

	if err := u.serial.ForcePrompt(ctx, cfg.ForcePromptTimeout); err != nil {
		u.teardownOCD()
		u.serial.Close()
		return nil, errors.Wrap(err, "context: live-uboot force prompt")
	}

	dev.SetMarker(KindLiveUboot.String())
	return u, nil
}

func (u *UbootContext) startOCDServerWithRecovery(ctx context.Context, opts ocd.ServerOptions, jtagSerial string) (*ocd.Server, error) {
	server, err := ocd.StartServer(ctx, opts)
	if err == nil {
		return server, nil
	}
	plog.Warningf("ocd server start failed, power-cycling usb hub: %v", err)
	if jtagSerial == "" {
		return nil, errors.Wrap(err, "context: ocd server start (no jtag usb serial for hub recovery)")
	}
	if e := ocd.PowerCycleHub(ctx, jtagSerial); e != nil {
		return nil, errors.Wrap(err, "context: ocd server start (hub power-cycle also failed: "+e.Error()+")")
	}
	server, err = ocd.StartServer(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "context: ocd server start after hub recovery")
	}
	return server, nil
}

// injectFSBLAndUboot plays the JTAG bring-up sequence from spec §4.7's
// LiveUboot row: halt, load the first-stage loader, run it briefly, halt
// again, then load and start U-boot proper.
func (u *UbootContext) injectFSBLAndUboot(ctx context.Context, bundle LiveUbootBundle) error {
	steps := []string{
		"reset halt",
		fmt.Sprintf("load_image %s %s elf", bundle.FSBLPath, fsblLoadAddr),
		fmt.Sprintf("resume %s", fsblLoadAddr),
	}
	for _, cmd := range steps {
		if _, err := u.ocdClient.Run(ctx, cmd); err != nil {
			return errors.Wrapf(err, "context: ocd command %q", cmd)
		}
	}
	if err := sleep(ctx, 4*time.Second); err != nil {
		return err
	}
	steps = []string{
		"halt",
		fmt.Sprintf("load_image %s %s bin", bundle.UBootPath, ubootLoadAddr),
		fmt.Sprintf("resume %s", ubootLoadAddr),
	}
	for _, cmd := range steps {
		if _, err := u.ocdClient.Run(ctx, cmd); err != nil {
			return errors.Wrapf(err, "context: ocd command %q", cmd)
		}
	}
	return nil
}

func (u *UbootContext) teardownOCD() {
	if u.ocdClient != nil {
		u.ocdClient.Close()
		u.ocdClient = nil
	}
	if u.ocdServer != nil {
		u.ocdServer.Stop()
		u.ocdServer = nil
	}
}

// EnterDeviceUboot hard-restarts the device into its own on-flash firmware
// and waits for its console prompt (spec §4.7 DeviceUboot row). Requires
// firmware to already be installed (the caller's responsibility; an empty
// flash never answers ForcePrompt and this call times out).
func EnterDeviceUboot(ctx context.Context, dev *device.Device, cfg config.Settings) (*UbootContext, error) {
	u := &UbootContext{kind: KindDeviceUboot, dev: dev, cfg: cfg}

	if alreadyEntered(dev, KindDeviceUboot) {
		plog.Infof("device-uboot: marker already set, skipping boot sequence")
		return u, u.openSerial(ctx)
	}

	if err := hardRestart(ctx, dev, control.DefaultBootMode, 0); err != nil {
		return nil, errors.Wrap(err, "context: device-uboot hard restart")
	}
	if err := u.openSerial(ctx); err != nil {
		return nil, err
	}
	if err := u.serial.ForcePrompt(ctx, cfg.ForcePromptTimeout); err != nil {
		u.serial.Close()
		return nil, errors.Wrap(err, "context: device-uboot force prompt")
	}

	dev.SetMarker(KindDeviceUboot.String())
	return u, nil
}

func (u *UbootContext) openSerial(ctx context.Context) error {
	line, err := serialcli.Open(u.dev.Description.Link.Communication.TTYPath, u.cfg.SerialBaud, u.prompt())
	if err != nil {
		return errors.Wrap(err, "context: open serial")
	}
	u.serial = line

	root, err := workdir.Sub(u.cfg.WorkDir, "tftp")
	if err != nil {
		line.Close()
		u.serial = nil
		return err
	}
	tsrv, err := tftpserver.New(root)
	if err != nil {
		line.Close()
		u.serial = nil
		return errors.Wrap(err, "context: build tftp server")
	}
	tsrv.Serve(u.cfg.TFTPAddr)
	u.tftp = tsrv

	return nil
}

// SelfClose releases every resource this context owns, marks it exited and
// clears the device's marker — used by state-invalidating commands
// (partition_mmc, boot, bootm) per spec §9.
func (u *UbootContext) SelfClose(ctx context.Context) error {
	if u.exited {
		return nil
	}
	u.exited = true
	var err error
	if u.serial != nil {
		if e := u.serial.Close(); e != nil {
			err = e
		}
	}
	if u.tftp != nil {
		if e := u.tftp.Stop(ctx); e != nil && err == nil {
			err = e
		}
	}
	u.teardownOCD()
	u.dev.SetMarker("")
	return err
}

// Close releases resources (as SelfClose) and clears the device's marker —
// the normal, non-state-invalidating exit path.
func (u *UbootContext) Close(ctx context.Context) error {
	err := u.SelfClose(ctx)
	u.dev.SetMarker("")
	return err
}

// Run issues cmd on the owned serial line and returns its output, the
// primitive internal/deviceops builds every U-boot operation out of.
func (u *UbootContext) Run(ctx context.Context, cmd string, opts serialcli.RunOptions) (string, error) {
	if err := u.CheckLive(); err != nil {
		return "", err
	}
	return u.serial.Run(ctx, cmd, opts)
}

// RunNoWait writes cmd without awaiting a response, for state-invalidating
// commands (boot, bootm, run dualcopy_mmcboot) that never echo back.
func (u *UbootContext) RunNoWait(ctx context.Context, cmd string) error {
	if err := u.CheckLive(); err != nil {
		return err
	}
	return u.serial.WriteLine(ctx, cmd)
}

// initNetwork brings up U-boot's network stack exactly once per session
// (spec §4.8 CopyToMemory / §8 idempotence law: "calling the network-init
// step twice ... yields one usb start and one dhcp on the wire").
func (u *UbootContext) initNetwork(ctx context.Context) error {
	u.networkOnce.Do(func() {
		if _, err := u.Run(ctx, "usb start", serialcli.DefaultRunOptions()); err != nil {
			u.networkErr = errors.Wrap(err, "context: usb start")
			return
		}
		if _, err := u.Run(ctx, "dhcp", serialcli.RunOptions{CheckErrorCode: false, StripTrailingWS: true}); err != nil {
			u.networkErr = errors.Wrap(err, "context: dhcp")
			return
		}
		envVars := []string{
			"serverip " + u.cfg.TFTPServerIP,
			"tftpdstp " + u.cfg.TFTPDstPort,
			"tftpblocksize 1468",
			"tftpwindowsize 256",
			"autostart no",
		}
		for _, kv := range envVars {
			if _, err := u.Run(ctx, "setenv "+kv, serialcli.DefaultRunOptions()); err != nil {
				u.networkErr = errors.Wrapf(err, "context: setenv %s", kv)
				return
			}
		}
	})
	return u.networkErr
}

// CopyToMemory initializes the network (once) then tftpboot's file into
// addr (a hex literal or a U-boot env name such as "${kernel_addr_r}").
// file must be rooted under this context's TFTP server directory.
func (u *UbootContext) CopyToMemory(ctx context.Context, addr, file string) error {
	if err := u.initNetwork(ctx); err != nil {
		return err
	}
	_, err := u.Run(ctx, fmt.Sprintf("tftpboot %s %s", addr, file), serialcli.DefaultRunOptions())
	return errors.Wrapf(err, "context: tftpboot %s", file)
}

// BootToDeviceOS runs the device's dual-copy MMC boot script and
// self-closes, since the command never returns control to U-boot (spec
// §4.8).
func (u *UbootContext) BootToDeviceOS(ctx context.Context) error {
	if err := u.RunNoWait(ctx, "run dualcopy_mmcboot"); err != nil {
		return err
	}
	return u.SelfClose(ctx)
}

// BootToWrightLiveLinux copies the bundled kernel and rootfs into memory,
// sets loglevel=0, and boots them without waiting for a response (spec
// §4.7 LiveLinux row, §4.8). Self-closes afterward, like BootToDeviceOS.
func (u *UbootContext) BootToWrightLiveLinux(ctx context.Context, kernelFile, rootfsFile string) error {
	if err := u.CopyToMemory(ctx, "${kernel_addr_r}", kernelFile); err != nil {
		return err
	}
	if err := u.CopyToMemory(ctx, "${ramdisk_addr_r}", rootfsFile); err != nil {
		return err
	}
	if _, err := u.Run(ctx, "setenv bootargs loglevel=0", serialcli.DefaultRunOptions()); err != nil {
		return err
	}
	if err := u.RunNoWait(ctx, "bootm ${kernel_addr_r} ${ramdisk_addr_r} ${fdtcontroladdr}"); err != nil {
		return err
	}
	return u.SelfClose(ctx)
}
