package device

import (
	"fmt"
	"strconv"
)

// ValidateHostname enforces the 9-character hostname scheme:
//
//	<prefix 2 chars><year 2 digits, 19-40><week 2 digits, 01-53><id 3 digits, 000-999>
//
// prefix must match the DeviceType's registered prefix.
func ValidateHostname(hostname string, typ DeviceType) error {
	if len(hostname) != 9 {
		return fmt.Errorf("device: hostname %q must be exactly 9 characters", hostname)
	}
	wantPrefix, ok := typ.hostnamePrefix()
	if !ok {
		return fmt.Errorf("device: unknown device type %q", typ)
	}
	gotPrefix := hostname[0:2]
	if gotPrefix != wantPrefix {
		return fmt.Errorf("device: hostname %q prefix %q does not match device type %q (want %q)", hostname, gotPrefix, typ, wantPrefix)
	}

	year, err := strconv.Atoi(hostname[2:4])
	if err != nil {
		return fmt.Errorf("device: hostname %q has non-numeric year field", hostname)
	}
	if year < 19 || year > 40 {
		return fmt.Errorf("device: hostname %q year %02d out of range [19,40]", hostname, year)
	}

	week, err := strconv.Atoi(hostname[4:6])
	if err != nil {
		return fmt.Errorf("device: hostname %q has non-numeric week field", hostname)
	}
	if week < 1 || week > 53 {
		return fmt.Errorf("device: hostname %q week %02d out of range [01,53]", hostname, week)
	}

	if _, err := strconv.Atoi(hostname[6:9]); err != nil {
		return fmt.Errorf("device: hostname %q has non-numeric id field", hostname)
	}

	return nil
}
