package device

import (
	"fmt"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

// DiskImage is a single image file extracted from an SWU archive.
type DiskImage struct {
	File    string
	Version string
}

// DeviceBundle is the pair of images a single device family needs for a
// full reset: firmware (written to FLASH) and operating system (written to
// MMC system0/system1).
type DeviceBundle struct {
	Firmware        DiskImage
	OperatingSystem DiskImage
}

// MultiBundle is the parsed result of an SWU archive. The archive format
// itself (cpio+gzip+libconfig) is an external collaborator (spec §1); this
// type only holds the already-extracted result.
type MultiBundle struct {
	Checksum string
	Bundles  map[DeviceType]DeviceBundle
}

// ForType returns the bundle for typ, or a validation error if the archive
// did not carry one for this family.
func (m *MultiBundle) ForType(typ DeviceType) (DeviceBundle, error) {
	b, ok := m.Bundles[typ]
	if !ok {
		return DeviceBundle{}, &wrighterrors.ValidationError{Detail: fmt.Sprintf("bundle has no entry for device type %q", typ)}
	}
	return b, nil
}

// VerifyChecksum reports whether want matches the bundle's recorded
// checksum. The out-of-scope CLI front-end is expected to call this against
// a manifest it trusts; this package performs no network fetch of its own.
func (m *MultiBundle) VerifyChecksum(want string) bool {
	return m.Checksum == want
}
