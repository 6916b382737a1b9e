package device

import "github.com/sbtinstruments/wright/device/control"

// DeviceLink is everything needed to control and talk to a single physical
// board: its power/boot-mode control surface and its communication
// endpoints (hostname, TTY path, optional JTAG/OCD identifiers).
type DeviceLink struct {
	Control       DeviceControl
	Communication DeviceCommunication
}

// DeviceControl is the hardware-control surface for one board.
type DeviceControl struct {
	Power    control.PowerControl
	BootMode control.BootModeControl
}

// DeviceCommunication names the endpoints used to reach a board once it is
// powered and in a known boot mode.
type DeviceCommunication struct {
	Hostname string
	TTYPath  string

	// JTAGUSBSerial identifies the FTDI adapter driving the JTAG link, when
	// present (used to construct the `ftdi_serial <S>` OpenOCD TCL command).
	JTAGUSBSerial string

	// JTAGUSBHubLocation/Port identify the USB hub port the JTAG adapter is
	// attached to, used only by the OCD-server-failed recovery path to
	// power-cycle that specific port via `uhubctl`.
	JTAGUSBHubLocation string
	JTAGUSBHubPort     string

	// OCDTCLPort overrides the default OpenOCD TCL port (6666) when set.
	OCDTCLPort int
}
