package nic

import (
	"kernel32/device"
	"kernel32/internal/neterr"
	"kernel32/kernel"
	"kernel32/kernel/cpu"
	"kernel32/kernel/irq"
	"kernel32/kernel/kfmt"
	"kernel32/kernel/mem"
	"kernel32/kernel/mem/vmm"
	"io"
	"unsafe"
)

// rawPointer casts a mapped virtual address to an unsafe.Pointer, the same
// direct uintptr->unsafe.Pointer cast kernel/mem/vmm/walk.go uses to view a
// page table entry's address as a pointer.
func rawPointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// in8Fn/out8Fn/.../registerIRQHandlerFn/dmaAllocFn/virtToPhysFn are
// indirections used by tests to mock port I/O, IRQ registration and DMA
// allocation, the same pattern as kernel/timer/pit.go and kernel/irq/pic.go.
var (
	in8Fn  = cpu.In8
	out8Fn = cpu.Out8

	in16Fn  = cpu.In16
	out16Fn = cpu.Out16

	in32Fn  = cpu.In32
	out32Fn = cpu.Out32

	registerIRQHandlerFn = irq.RegisterIRQHandler
	dmaAllocFn           = vmm.DMAAlloc
	virtToPhysFn         = vmm.VirtToPhys
)

// RTL8139 PCI identity and register offsets, from the original firmware's
// rtl8139.h (register names kept, values are the well-known RTL8139 map).
const (
	rtl8139VendorID = 0x10EC
	rtl8139DeviceID = 0x8139

	regMAC0      = 0x00
	regTxStatus0 = 0x10
	regTxAddr0   = 0x20
	regRxBuf     = 0x30
	regCmd       = 0x37
	regCapr      = 0x38
	regCbr       = 0x3A
	regIMR       = 0x3C
	regISR       = 0x3E
	regRCR       = 0x44
	regConfig1   = 0x52

	cmdReset = 0x10
	cmdRE    = 0x08
	cmdTE    = 0x04

	rcrAcceptAll = 0xF
	rcrWrap      = 1 << 7

	imrEnabled = 0x0005 // ROK | TOK

	isrROK  = 0x01
	isrTOK  = 0x04
	isrTER  = 0x08
	isrRER  = 0x02
	isrRXOvw = 0x10

	numTxBuffers  = 4
	txBufferSize  = 1792
	rxBufferSize  = 8192
	rxBufferExtra = 16 + 1500 // overflow pad, since RCR sets the WRAP bit
)

// RTL8139 drives a Realtek RTL8139 Fast Ethernet controller: it discovers
// the card over PCI, programs DMA RX/TX buffers below 16MiB, and dispatches
// received frames to nic.Deliver from its IRQ handler.
type RTL8139 struct {
	ioBase  uint16
	irqLine uint8
	mac     [6]byte

	rxVirt uintptr
	rxPhys uintptr
	rxPtr  uint16

	txVirt     uintptr
	txPhys     uintptr
	txCurrent  int
}

func init() {
	device.RegisterDriver(&device.DriverInfo{Order: device.DetectOrderBeforeACPI, Probe: probeRTL8139})
}

func probeRTL8139() device.Driver {
	dev, found := device.PCIFindDevice(rtl8139VendorID, rtl8139DeviceID)
	if !found {
		return nil
	}

	cmd := device.PCIReadConfigDWord(dev, device.PCICommand)
	cmd |= device.PCICommandIOSpace | device.PCICommandBusMaster
	device.PCIWriteConfigDWord(dev, device.PCICommand, cmd)

	bar0 := device.PCIReadConfigDWord(dev, device.PCIBAR0)
	ioBase := uint16(bar0 &^ 0x3)
	irqLine := uint8(device.PCIReadConfigDWord(dev, device.PCIInterruptLine) & 0xFF)

	if ioBase == 0 || irqLine == 0 {
		return nil
	}

	return &RTL8139{ioBase: ioBase, irqLine: irqLine}
}

// DriverName implements device.Driver.
func (r *RTL8139) DriverName() string { return "rtl8139" }

// DriverVersion implements device.Driver.
func (r *RTL8139) DriverVersion() (major, minor, patch uint16) { return 1, 0, 0 }

// DriverInit allocates the DMA RX/TX buffers below 16MiB, resets and
// programs the card, reads its MAC address and installs the IRQ handler,
// following the original firmware's rtl8139_init sequence.
func (r *RTL8139) DriverInit(w io.Writer) *kernel.Error {
	rxVirt, err := dmaAllocFn(mem.Size(rxBufferSize + rxBufferExtra))
	if err != nil {
		return err
	}
	rxPhys, err := virtToPhysFn(rxVirt)
	if err != nil {
		return err
	}
	r.rxVirt, r.rxPhys = rxVirt, rxPhys

	txVirt, err := dmaAllocFn(mem.Size(numTxBuffers * txBufferSize))
	if err != nil {
		return err
	}
	txPhys, err := virtToPhysFn(txVirt)
	if err != nil {
		return err
	}
	r.txVirt, r.txPhys = txVirt, txPhys

	out8Fn(r.ioBase+regConfig1, 0x0)

	out8Fn(r.ioBase+regCmd, cmdReset)
	for in8Fn(r.ioBase+regCmd)&cmdReset != 0 {
	}

	out32Fn(r.ioBase+regRxBuf, uint32(r.rxPhys))
	for i := 0; i < numTxBuffers; i++ {
		out32Fn(r.ioBase+regTxAddr0+uint16(i*4), uint32(r.txPhys)+uint32(i*txBufferSize))
	}

	out16Fn(r.ioBase+regIMR, imrEnabled)
	out32Fn(r.ioBase+regRCR, rcrAcceptAll|rcrWrap)
	out8Fn(r.ioBase+regCmd, cmdRE|cmdTE)

	r.readMACAddress()

	registerIRQHandlerFn(r.irqLine, r.handleIRQ)
	Register(r)

	kfmt.Fprintf(w, "[rtl8139] MAC %02x:%02x:%02x:%02x:%02x:%02x io=0x%x irq=%d\n",
		r.mac[0], r.mac[1], r.mac[2], r.mac[3], r.mac[4], r.mac[5], r.ioBase, r.irqLine)
	return nil
}

func (r *RTL8139) readMACAddress() {
	macLow := in32Fn(r.ioBase + regMAC0)
	macHigh := in16Fn(r.ioBase + regMAC0 + 4)
	r.mac[0] = uint8(macLow)
	r.mac[1] = uint8(macLow >> 8)
	r.mac[2] = uint8(macLow >> 16)
	r.mac[3] = uint8(macLow >> 24)
	r.mac[4] = uint8(macHigh)
	r.mac[5] = uint8(macHigh >> 8)
}

// MAC implements nic.NIC.
func (r *RTL8139) MAC() [6]byte { return r.mac }

var errTxTooLarge = neterr.New(neterr.InvalidArgument, "rtl8139: frame larger than a TX buffer slot")

// Send implements nic.NIC, copying frame into the next TX buffer slot
// round-robin and kicking off transmission by writing its length to
// TSD<slot>, mirroring rtl8139_send_packet.
func (r *RTL8139) Send(frame []byte) *neterr.Error {
	if len(frame) > txBufferSize {
		return errTxTooLarge
	}

	dst := (*[txBufferSize]byte)(rawPointer(r.txVirt + uintptr(r.txCurrent*txBufferSize)))
	copy(dst[:], frame)

	out32Fn(r.ioBase+regTxStatus0+uint16(r.txCurrent*4), uint32(len(frame)))
	r.txCurrent = (r.txCurrent + 1) % numTxBuffers
	return nil
}

// handleIRQ is installed on the card's IRQ line. It acks the interrupt
// status register and dispatches RX/TX/error conditions the same way the
// original firmware's rtl8139_irq_handler does.
func (r *RTL8139) handleIRQ(_ *irq.Regs) {
	status := in16Fn(r.ioBase + regISR)
	out16Fn(r.ioBase+regISR, 0x05)

	if status&isrROK != 0 {
		r.receivePackets()
	}
	if status&isrRXOvw != 0 {
		cmd := in8Fn(r.ioBase + regCmd)
		out8Fn(r.ioBase+regCmd, cmd&^cmdRE)
		r.rxPtr = 0
		out16Fn(r.ioBase+regCapr, 0)
		out32Fn(r.ioBase+regRxBuf, uint32(r.rxPhys))
		out8Fn(r.ioBase+regCmd, cmd|cmdRE)
	}
	_ = status & (isrTOK | isrTER | isrRER) // no action taken and not logged
}

// receivePackets walks the RX ring from the driver's saved offset up to the
// card's current-buffer-address register, delivering each frame and
// advancing past its 4-byte status+length header, exactly like
// rtl8139_receive_packet.
func (r *RTL8139) receivePackets() {
	cbr := in16Fn(r.ioBase + regCbr)
	rxOffset := r.rxPtr

	ring := (*[rxBufferSize + rxBufferExtra]byte)(rawPointer(r.rxVirt))

	for rxOffset != cbr {
		bufferPos := int(rxOffset) % rxBufferSize

		header := uint32(ring[bufferPos]) | uint32(ring[bufferPos+1])<<8 |
			uint32(ring[bufferPos+2])<<16 | uint32(ring[bufferPos+3])<<24
		packetLen := int(header >> 16)

		if packetLen == 0 || packetLen > MaxFrameLen {
			break
		}

		start := bufferPos + 4
		Deliver(ring[start : start+packetLen])

		next := (bufferPos + packetLen + 4 + 3) &^ 3
		if next >= rxBufferSize {
			next -= rxBufferSize
		}
		rxOffset = uint16(next)
	}

	r.rxPtr = rxOffset
	out16Fn(r.ioBase+regCapr, (r.rxPtr-16)%rxBufferSize)
}
