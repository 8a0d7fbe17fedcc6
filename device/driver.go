// Package device defines the driver interface and detection-priority
// registry shared by every hardware driver the HAL can probe: the PIT,
// NIC and ATA/IDE drivers all register a *DriverInfo with this
// package so kernel/hal can discover and initialize them in priority
// order.
package device

import (
	"io"
	"kernel32/kernel"
)

// Driver is implemented by every probed hardware driver.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output during
	// initialization is written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// DetectOrder specifies when a driver should be probed relative to other
// drivers. Lower values are probed first.
type DetectOrder int

const (
	// DetectOrderEarly is used by drivers that other drivers may depend
	// on, such as the PIT.
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI is used by drivers that should run before
	// ACPI-dependent devices are probed.
	DetectOrderBeforeACPI

	// DetectOrderACPI is used by ACPI-dependent drivers.
	DetectOrderACPI

	// DetectOrderLast is used by drivers that should be probed after
	// everything else, such as optional peripherals.
	DetectOrderLast
)

// ProbeFn attempts to detect a particular piece of hardware. It returns nil
// if the hardware is not present.
type ProbeFn func() Driver

// DriverInfo describes a probe-able driver and the order in which it
// should be attempted relative to other drivers.
type DriverInfo struct {
	// Order specifies the detection priority for this driver.
	Order DetectOrder

	// Probe attempts to detect and construct the driver.
	Probe ProbeFn
}

// DriverInfoList is a sortable list of DriverInfo entries, ordered
// ascending by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of drivers that DetectHardware will
// probe.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
