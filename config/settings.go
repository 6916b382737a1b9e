// Package config holds process-wide, environment-overridable settings for
// the execution-context engine: timeouts, retry bounds, transport defaults.
// It intentionally carries no flag-parsing framework — the command-line
// front-end that would wire flags or a config file to these fields is an
// external collaborator (see spec §1 "Out of scope").
package config

import (
	"os"
	"strconv"
	"time"
)

// Settings is the engine's tunable knobs. Zero value is meaningless; use
// Default() and override individual fields.
type Settings struct {
	// WorkDir is the process-wide scratch directory holding extracted SWU
	// artifacts, the bundled live U-boot, OpenOCD configs, and split flash
	// image parts.
	WorkDir string

	// SerialBaud is the UART rate used for every device command line.
	SerialBaud int

	// OCDTCLPort is the default TCP port OpenOCD's TCL server listens on.
	OCDTCLPort int

	// SSHPort is the TCP port the device's SSH daemon listens on.
	SSHPort int

	// TFTPAddr is the host:port internal/tftpserver binds for the
	// lifetime of a U-boot context.
	TFTPAddr string

	// TFTPServerIP is the host's own IP address on the device's network,
	// written into the device's `serverip` U-boot env var so its
	// `tftpboot` calls dial back to internal/tftpserver.
	TFTPServerIP string

	// TFTPDstPort is written into the device's `tftpdstp` U-boot env var:
	// the port internal/tftpserver listens on, so tftpboot dials back to
	// the right socket instead of U-boot's compiled-in default of 69.
	TFTPDstPort string

	// ForcePromptTimeout bounds a single ForcePrompt call used to confirm a
	// freshly booted U-boot prompt.
	ForcePromptTimeout time.Duration

	// DeviceLinuxPromptDelay is the pre-prompt sleep before ForcePrompt is
	// attempted on the on-device Linux console. Source revisions disagree
	// (50s vs 80s); kept configurable per SPEC_FULL.md's Open Question
	// resolution.
	DeviceLinuxPromptDelay time.Duration

	// DefaultMaxTries bounds retry attempts for a recipe step when the
	// caller does not override it.
	DefaultMaxTries int

	// ResetOperatingSystemTimeout is the longest of the conflicting source
	// values (70s/80s/100s), per SPEC_FULL.md's Open Question resolution.
	ResetOperatingSystemTimeout time.Duration
	ResetFirmwareTimeout        time.Duration
	ResetConfigTimeout          time.Duration
	ResetDataTimeout            time.Duration
	SetElectronicsRefTimeout    time.Duration
}

// Default returns the compiled-in defaults, then applies any WRIGHT_*
// environment overrides present in the process environment.
func Default() Settings {
	s := Settings{
		WorkDir:                     "/tmp/wright",
		SerialBaud:                  115200,
		OCDTCLPort:                  6666,
		SSHPort:                     7910,
		TFTPAddr:                    ":69",
		TFTPDstPort:                 "69",
		ForcePromptTimeout:          5 * time.Second,
		DeviceLinuxPromptDelay:      50 * time.Second,
		DefaultMaxTries:             10,
		ResetOperatingSystemTimeout: 100 * time.Second,
		ResetFirmwareTimeout:        110 * time.Second,
		ResetConfigTimeout:          60 * time.Second,
		ResetDataTimeout:            60 * time.Second,
		SetElectronicsRefTimeout:    150 * time.Second,
	}
	s.applyEnv()
	return s
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("WRIGHT_WORKDIR"); v != "" {
		s.WorkDir = v
	}
	if v, ok := envInt("WRIGHT_SERIAL_BAUD"); ok {
		s.SerialBaud = v
	}
	if v, ok := envInt("WRIGHT_OCD_TCL_PORT"); ok {
		s.OCDTCLPort = v
	}
	if v, ok := envInt("WRIGHT_SSH_PORT"); ok {
		s.SSHPort = v
	}
	if v := os.Getenv("WRIGHT_TFTP_ADDR"); v != "" {
		s.TFTPAddr = v
	}
	if v := os.Getenv("WRIGHT_TFTP_SERVER_IP"); v != "" {
		s.TFTPServerIP = v
	}
	if v := os.Getenv("WRIGHT_TFTP_DST_PORT"); v != "" {
		s.TFTPDstPort = v
	}
	if v, ok := envInt("WRIGHT_MAX_TRIES"); ok {
		s.DefaultMaxTries = v
	}
	if v, ok := envDuration("WRIGHT_DEVICE_LINUX_PROMPT_DELAY"); ok {
		s.DeviceLinuxPromptDelay = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
