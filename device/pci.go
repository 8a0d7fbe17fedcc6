package device

import "kernel32/kernel/cpu"

// PCI configuration space access ports (mechanism #1, used by every x86
// chipset since the original PCI spec).
const (
	pciConfigAddress = 0xCF8
	pciConfigData    = 0xCFC
)

// PCIDevice identifies a function on the PCI bus by its bus, slot and
// function numbers. It caches no register values; callers read them via
// PCIReadConfigDWord.
type PCIDevice struct {
	Bus, Slot, Func uint8
}

func pciConfigAddr(bus, slot, fn uint8, offset uint8) uint32 {
	return uint32(1)<<31 |
		uint32(bus)<<16 |
		uint32(slot)<<11 |
		uint32(fn)<<8 |
		uint32(offset&0xFC)
}

// PCIReadConfigDWord reads a 32-bit configuration space register.
func PCIReadConfigDWord(dev PCIDevice, offset uint8) uint32 {
	cpu.Out32(pciConfigAddress, pciConfigAddr(dev.Bus, dev.Slot, dev.Func, offset))
	return cpu.In32(pciConfigData)
}

// PCIWriteConfigDWord writes a 32-bit configuration space register.
func PCIWriteConfigDWord(dev PCIDevice, offset uint8, value uint32) {
	cpu.Out32(pciConfigAddress, pciConfigAddr(dev.Bus, dev.Slot, dev.Func, offset))
	cpu.Out32(pciConfigData, value)
}

// PCIFindDevice scans every bus/slot/function for a device matching
// vendorID/deviceID and returns it. found is false if no such device is
// present, matching the original firmware's pci_get_device contract.
func PCIFindDevice(vendorID, deviceID uint16) (dev PCIDevice, found bool) {
	for bus := 0; bus < 256; bus++ {
		for slot := 0; slot < 32; slot++ {
			for fn := 0; fn < 8; fn++ {
				d := PCIDevice{Bus: uint8(bus), Slot: uint8(slot), Func: uint8(fn)}
				idReg := PCIReadConfigDWord(d, 0x00)
				if idReg == 0xFFFFFFFF {
					if fn == 0 {
						break
					}
					continue
				}

				gotVendor := uint16(idReg & 0xFFFF)
				gotDevice := uint16(idReg >> 16)
				if gotVendor == vendorID && gotDevice == deviceID {
					return d, true
				}
			}
		}
	}
	return PCIDevice{}, false
}

// PCI configuration space offsets used by the RTL8139 driver.
const (
	PCICommand        = 0x04
	PCIBAR0            = 0x10
	PCIInterruptLine   = 0x3C

	// PCICommandIOSpace/PCICommandBusMaster enable I/O port decoding and
	// DMA bus mastering respectively, set in the PCI_COMMAND register.
	PCICommandIOSpace    = 1 << 0
	PCICommandBusMaster  = 1 << 2
)
