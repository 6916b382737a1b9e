// Package device holds the typed identity of a provisioning target: its
// product family, version, communication endpoints, and in-process mutable
// metadata (condition, bundle, current execution-context marker).
//
// This mirrors the Machine/Cluster/Flight layering of a cluster-test
// harness generalized from "one VM instance in a cloud Cluster" to "one
// physical board, exclusively owned for the lifetime of a reset session."
package device

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

// DeviceType is a closed enumeration of product families. It drives
// hostname-prefix validation and bundle selection.
type DeviceType string

const (
	// Zeus is the larger-format product family.
	Zeus DeviceType = "zeus"
	// BactoBox is the benchtop product family.
	BactoBox DeviceType = "bactobox"
)

// hostnamePrefix returns the two-letter hostname prefix a device of this
// type must carry, or false if t is not a registered family.
func (t DeviceType) hostnamePrefix() (string, bool) {
	switch t {
	case Zeus:
		return "zs", true
	case BactoBox:
		return "bb", true
	default:
		return "", false
	}
}

var versionRE = regexp.MustCompile(`^[0-9][A-Za-z0-9\-_.]+$`)

// DeviceCondition is a totally ordered damage level. Operations may only
// degrade a device's condition, never restore it, except for a recipe that
// explicitly completes and marks the device Mint.
type DeviceCondition int

const (
	Unknown DeviceCondition = iota
	Bricked
	Used
	AsNew
	Mint
)

func (c DeviceCondition) String() string {
	switch c {
	case Unknown:
		return "unknown"
	case Bricked:
		return "bricked"
	case Used:
		return "used"
	case AsNew:
		return "as-new"
	case Mint:
		return "mint"
	default:
		return fmt.Sprintf("condition(%d)", int(c))
	}
}

// Degrade returns the new condition after an operation bounded by bound is
// applied: min(current, bound). It never increases the condition.
func (c DeviceCondition) Degrade(bound DeviceCondition) DeviceCondition {
	if bound < c {
		return bound
	}
	return c
}

// DeviceDescription is the immutable identity of a provisioning target.
type DeviceDescription struct {
	Type    DeviceType
	Version string
	Link    DeviceLink
}

// NewDeviceDescription validates version and hostname-prefix invariants and
// returns a DeviceDescription, or a *wrighterrors.ValidationError naming the
// first invariant that fails.
func NewDeviceDescription(typ DeviceType, version string, link DeviceLink) (DeviceDescription, error) {
	prefix, ok := typ.hostnamePrefix()
	if !ok {
		return DeviceDescription{}, &wrighterrors.ValidationError{Detail: fmt.Sprintf("device: unknown device type %q", typ)}
	}
	if !versionRE.MatchString(version) {
		return DeviceDescription{}, &wrighterrors.ValidationError{Detail: fmt.Sprintf("device: version %q does not match %s", version, versionRE.String())}
	}
	if err := ValidateHostname(link.Communication.Hostname, typ); err != nil {
		return DeviceDescription{}, &wrighterrors.ValidationError{Detail: err.Error()}
	}
	_ = prefix
	return DeviceDescription{Type: typ, Version: version, Link: link}, nil
}

// Device is a single provisioning target: its immutable description plus
// the mutable state (condition, bundle, execution-context marker) that the
// recipe layer reads and writes across the lifetime of a reset session.
//
// A Device instance exclusively owns its PowerControl, BootModeControl, and
// metadata for its scope; an entered execution context borrows a pointer to
// it but never outlives it.
type Device struct {
	Description DeviceDescription

	mu       sync.Mutex
	metadata DeviceMetadata
	marker   string // empty string means "no execution context entered"
}

// New constructs a Device around an already-validated description.
func New(desc DeviceDescription, meta DeviceMetadata) *Device {
	return &Device{Description: desc, metadata: meta}
}

// Metadata returns a copy of the device's current metadata.
func (d *Device) Metadata() DeviceMetadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metadata
}

// Degrade applies an operation's wear bound to the device's condition.
func (d *Device) Degrade(bound DeviceCondition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata.Condition = d.metadata.Condition.Degrade(bound)
}

// MarkMint is the one operation allowed to raise condition, used by a
// recipe that completes a full, verified reset cycle.
func (d *Device) MarkMint() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata.Condition = Mint
}

// Marker returns the name of the currently entered execution context, or ""
// if none is entered.
func (d *Device) Marker() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.marker
}

// SetMarker records which execution context is currently entered. Passing
// "" clears it (context exit, or HardPowerOff).
func (d *Device) SetMarker(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marker = name
	d.metadata.ExecutionContextMarker = name
}
