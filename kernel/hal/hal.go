// Package hal probes and initializes the hardware drivers registered with
// the device package: the PIT, NIC and ATA/IDE drivers in this core
// all register a *device.DriverInfo and are discovered here in priority
// order.
package hal

import (
	"bytes"
	"kernel32/device"
	"kernel32/kernel/kfmt"
	"sort"
)

// managedDevices tracks every driver the HAL has successfully initialized.
type managedDevices struct {
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveDrivers returns the drivers that were successfully probed and
// initialized by the last call to DetectHardware.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices in priority order and
// initializes the driver for each one that is found.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and records the ones
// that successfully initialize.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}
