package device

import (
	"testing"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

func TestValidateHostname(t *testing.T) {
	cases := []struct {
		name     string
		hostname string
		typ      DeviceType
		wantErr  bool
	}{
		{"valid bactobox", "bb2501001", BactoBox, false},
		{"valid zeus", "zs4053999", Zeus, false},
		{"too short", "bb250100", BactoBox, true},
		{"too long", "bb25010012", BactoBox, true},
		{"wrong prefix", "zs2501001", BactoBox, true},
		{"year below range", "bb1801001", BactoBox, true},
		{"year above range", "bb4101001", BactoBox, true},
		{"year lower bound ok", "bb1901001", BactoBox, false},
		{"year upper bound ok", "bb4001001", BactoBox, false},
		{"week zero out of range", "bb2500001", BactoBox, true},
		{"week lower bound ok", "bb2501001", BactoBox, false},
		{"week upper bound ok", "bb2553001", BactoBox, false},
		{"week above range", "bb2554001", BactoBox, true},
		{"non-numeric year", "bbXX01001", BactoBox, true},
		{"non-numeric week", "bb25XX001", BactoBox, true},
		{"non-numeric id", "bb2501XXX", BactoBox, true},
		{"unknown device type", "xx2501001", DeviceType("unknown"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateHostname(c.hostname, c.typ)
			if (err != nil) != c.wantErr {
				t.Errorf("ValidateHostname(%q, %q) err = %v, wantErr %v", c.hostname, c.typ, err, c.wantErr)
			}
		})
	}
}

func TestNewDeviceDescriptionRejectsBadVersion(t *testing.T) {
	link := DeviceLink{Communication: DeviceCommunication{Hostname: "bb2501001"}}
	if _, err := NewDeviceDescription(BactoBox, "not-a-version", link); err == nil {
		t.Fatalf("expected an error for a malformed version string")
	}
	if _, err := NewDeviceDescription(BactoBox, "1.2.3", link); err != nil {
		t.Fatalf("NewDeviceDescription with a valid version: %v", err)
	}
}

func TestNewDeviceDescriptionRejectsBadHostname(t *testing.T) {
	link := DeviceLink{Communication: DeviceCommunication{Hostname: "zs2501001"}}
	if _, err := NewDeviceDescription(BactoBox, "1.0.0", link); err == nil {
		t.Fatalf("expected an error for a hostname prefix mismatch")
	}
}

func TestDeviceConditionDegradeNeverIncreases(t *testing.T) {
	cases := []struct {
		current, bound, want DeviceCondition
	}{
		{Mint, Used, Used},
		{Used, Mint, Used},
		{Bricked, Mint, Bricked},
		{AsNew, AsNew, AsNew},
	}
	for _, c := range cases {
		if got := c.current.Degrade(c.bound); got != c.want {
			t.Errorf("%v.Degrade(%v) = %v, want %v", c.current, c.bound, got, c.want)
		}
	}
}

func TestDeviceMarkerRoundTrip(t *testing.T) {
	dev := New(DeviceDescription{Type: BactoBox}, DeviceMetadata{})
	if dev.Marker() != "" {
		t.Fatalf("fresh device marker = %q, want empty", dev.Marker())
	}
	dev.SetMarker("device-uboot")
	if dev.Marker() != "device-uboot" {
		t.Fatalf("marker = %q, want %q", dev.Marker(), "device-uboot")
	}
	dev.SetMarker("")
	if dev.Marker() != "" {
		t.Fatalf("marker after clear = %q, want empty", dev.Marker())
	}
}

func TestDeviceDegradeAndMarkMint(t *testing.T) {
	dev := New(DeviceDescription{Type: BactoBox}, DeviceMetadata{Condition: Mint})
	dev.Degrade(Used)
	if got := dev.Metadata().Condition; got != Used {
		t.Fatalf("condition after Degrade = %v, want %v", got, Used)
	}
	dev.MarkMint()
	if got := dev.Metadata().Condition; got != Mint {
		t.Fatalf("condition after MarkMint = %v, want %v", got, Mint)
	}
}

func TestMultiBundleForTypeMissingIsValidationError(t *testing.T) {
	m := &MultiBundle{Bundles: map[DeviceType]DeviceBundle{
		Zeus: {Firmware: DiskImage{File: "zeus.bin"}},
	}}
	_, err := m.ForType(BactoBox)
	if err == nil {
		t.Fatalf("expected an error for a type with no bundle entry")
	}
	if _, ok := err.(*wrighterrors.ValidationError); !ok {
		t.Fatalf("ForType error type = %T, want *wrighterrors.ValidationError", err)
	}

	b, err := m.ForType(Zeus)
	if err != nil {
		t.Fatalf("ForType(Zeus): %v", err)
	}
	if b.Firmware.File != "zeus.bin" {
		t.Fatalf("ForType(Zeus) = %+v, want Firmware.File = zeus.bin", b)
	}
}

func TestMultiBundleVerifyChecksum(t *testing.T) {
	m := &MultiBundle{Checksum: "abc123"}
	if !m.VerifyChecksum("abc123") {
		t.Errorf("VerifyChecksum(matching) = false, want true")
	}
	if m.VerifyChecksum("different") {
		t.Errorf("VerifyChecksum(mismatching) = true, want false")
	}
}
