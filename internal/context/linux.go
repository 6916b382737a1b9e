package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/sbtinstruments/wright/config"
	"github.com/sbtinstruments/wright/device"
	"github.com/sbtinstruments/wright/internal/serialcli"
	"github.com/sbtinstruments/wright/internal/sshcli"
)

const (
	liveLinuxPromptFmt   = "root@%s:~# "
	deviceLinuxPromptFmt = "\r\n\x1b[1;34mroot@%s\x1b[m$ "

	liveLinuxPreLoginSleep       = 15 * time.Second
	liveLinuxForcePromptTimeout  = 30 * time.Second
	deviceLinuxForcePromptTimeout = 90 * time.Second

	sshHostKeyPath = "/etc/ssh/ssh_host_ed25519_key.pub"
)

// LinuxContext is either Linux variant: LiveLinux (the bundled wright
// rootfs, booted over TFTP into memory, serial only) or DeviceLinux (the
// device's own installed OS, serial plus SSH). Which transport Run uses is
// decided by which fields are populated, not by Kind, since LiveLinux never
// owns an SSH client (spec §4.7).
type LinuxContext struct {
	selfClose

	kind Kind
	dev  *device.Device
	cfg  config.Settings

	serial *serialcli.Line
	ssh    *sshcli.Client
}

var _ Context = (*LinuxContext)(nil)

func (l *LinuxContext) Kind() Kind { return l.kind }

// Device returns the borrowed device pointer this context operates on, for
// internal/deviceops's condition-degradation wrapper.
func (l *LinuxContext) Device() *device.Device { return l.dev }

// Serial returns the owned serial line, non-nil for both variants.
func (l *LinuxContext) Serial() *serialcli.Line { return l.serial }

// SSH returns the owned SSH client, non-nil only for DeviceLinux.
func (l *LinuxContext) SSH() *sshcli.Client { return l.ssh }

// CheckLive returns *wrighterrors.ContextExited if this instance has
// self-closed.
func (l *LinuxContext) CheckLive() error { return l.checkLive(l.kind) }

// Run executes cmd over whichever transport this instance owns: SSH when
// present (DeviceLinux), otherwise the serial command line (LiveLinux).
func (l *LinuxContext) Run(ctx context.Context, cmd string) (string, error) {
	if err := l.CheckLive(); err != nil {
		return "", err
	}
	if l.ssh != nil {
		return l.ssh.Run(ctx, cmd)
	}
	return l.serial.Run(ctx, cmd, serialcli.DefaultRunOptions())
}

func (l *LinuxContext) openSerial(prompt string) error {
	line, err := serialcli.Open(l.dev.Description.Link.Communication.TTYPath, l.cfg.SerialBaud, prompt)
	if err != nil {
		return errors.Wrap(err, "context: open serial")
	}
	l.serial = line
	return nil
}

// EnterLiveLinux boots the bundled kernel and rootfs over the device's own
// U-boot and logs into the resulting console (spec §4.7 LiveLinux row).
func EnterLiveLinux(ctx context.Context, dev *device.Device, cfg config.Settings, kernelFile, rootfsFile string) (*LinuxContext, error) {
	u, err := EnterDeviceUboot(ctx, dev, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "context: live-linux enter device-uboot")
	}
	if err := u.BootToWrightLiveLinux(ctx, kernelFile, rootfsFile); err != nil {
		return nil, errors.Wrap(err, "context: live-linux boot")
	}

	if err := sleep(ctx, liveLinuxPreLoginSleep); err != nil {
		return nil, err
	}

	l := &LinuxContext{kind: KindLiveLinux, dev: dev, cfg: cfg}
	hostname := dev.Description.Link.Communication.Hostname
	if err := l.openSerial(fmt.Sprintf(liveLinuxPromptFmt, hostname)); err != nil {
		return nil, err
	}
	if err := l.login(ctx); err != nil {
		l.serial.Close()
		return nil, err
	}
	if err := l.serial.ForcePrompt(ctx, liveLinuxForcePromptTimeout); err != nil {
		l.serial.Close()
		return nil, errors.Wrap(err, "context: live-linux force prompt")
	}

	dev.SetMarker(KindLiveLinux.String())
	return l, nil
}

// login writes the root/empty-password credential pair blind: the live
// rootfs's getty prompt never lines up with a configured serialcli.Line
// prompt until the shell itself comes up, so the username and password are
// written on a timed cadence rather than awaited.
func (l *LinuxContext) login(ctx context.Context) error {
	if err := l.serial.WriteLine(ctx, "root"); err != nil {
		return errors.Wrap(err, "context: live-linux login username")
	}
	if err := sleep(ctx, time.Second); err != nil {
		return err
	}
	if err := l.serial.WriteLine(ctx, ""); err != nil {
		return errors.Wrap(err, "context: live-linux login password")
	}
	return nil
}

// EnterDeviceLinux boots the device's installed OS from its own flash and
// opens both the serial console and an SSH connection trusting the host key
// captured over serial (spec §4.7 DeviceLinux row). If dev's marker already
// names KindDeviceLinux, only fresh serial/SSH resources are allocated and
// the boot sequence is elided.
func EnterDeviceLinux(ctx context.Context, dev *device.Device, cfg config.Settings, setLoglevelZero bool) (*LinuxContext, error) {
	l := &LinuxContext{kind: KindDeviceLinux, dev: dev, cfg: cfg}

	if alreadyEntered(dev, KindDeviceLinux) {
		plog.Infof("device-linux: marker already set, skipping boot sequence")
		return l, l.openAndDial(ctx)
	}

	u, err := EnterDeviceUboot(ctx, dev, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "context: device-linux enter device-uboot")
	}
	if setLoglevelZero {
		if _, err := u.Run(ctx, "setenv bootargs loglevel=0", serialcli.DefaultRunOptions()); err != nil {
			return nil, errors.Wrap(err, "context: device-linux set loglevel")
		}
	}
	if err := u.BootToDeviceOS(ctx); err != nil {
		return nil, errors.Wrap(err, "context: device-linux boot")
	}

	if err := sleep(ctx, cfg.DeviceLinuxPromptDelay); err != nil {
		return nil, err
	}
	if err := l.openAndDial(ctx); err != nil {
		return nil, err
	}

	dev.SetMarker(KindDeviceLinux.String())
	return l, nil
}

// openAndDial opens the serial console, confirms the device-linux prompt,
// reads the freshly installed OS's SSH host key off the console, and dials
// the SSH command line trusting exactly that key.
func (l *LinuxContext) openAndDial(ctx context.Context) error {
	hostname := l.dev.Description.Link.Communication.Hostname

	if err := l.openSerial(fmt.Sprintf(deviceLinuxPromptFmt, hostname)); err != nil {
		return err
	}
	if err := l.serial.ForcePrompt(ctx, deviceLinuxForcePromptTimeout); err != nil {
		l.serial.Close()
		l.serial = nil
		return errors.Wrap(err, "context: device-linux force prompt")
	}

	keyText, err := l.serial.Run(ctx, "cat "+sshHostKeyPath, serialcli.DefaultRunOptions())
	if err != nil {
		l.serial.Close()
		return errors.Wrap(err, "context: read ssh host key")
	}
	hostKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(keyText)))
	if err != nil {
		l.serial.Close()
		return errors.Wrap(err, "context: parse ssh host key")
	}

	client, err := sshcli.Dial(ctx, hostname, l.cfg.SSHPort, hostKey, ssh.Password(""))
	if err != nil {
		l.serial.Close()
		return errors.Wrap(err, "context: dial device ssh")
	}
	l.ssh = client
	return nil
}

// SelfClose releases every resource this context owns and marks it exited,
// without clearing the device's marker.
func (l *LinuxContext) SelfClose(ctx context.Context) error {
	if l.exited {
		return nil
	}
	l.exited = true
	var err error
	if l.ssh != nil {
		if e := l.ssh.Close(); e != nil {
			err = e
		}
		l.ssh = nil
	}
	if l.serial != nil {
		if e := l.serial.Close(); e != nil && err == nil {
			err = e
		}
		l.serial = nil
	}
	return err
}

// Close releases resources (as SelfClose) and clears the device's marker.
func (l *LinuxContext) Close(ctx context.Context) error {
	err := l.SelfClose(ctx)
	l.dev.SetMarker("")
	return err
}
