// +build 386

package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (HLT).
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads CR3 with the physical address of a page directory and
// flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded in CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address stashed in CR2 by the last page
// fault.
func ReadCR2() uint32

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// In8 reads a byte from the given I/O port.
func In8(port uint16) uint8

// Out8 writes a byte to the given I/O port.
func Out8(port uint16, value uint8)

// In16 reads a 16-bit word from the given I/O port.
func In16(port uint16) uint16

// Out16 writes a 16-bit word to the given I/O port.
func Out16(port uint16, value uint16)

// In32 reads a 32-bit dword from the given I/O port.
func In32(port uint16) uint32

// Out32 writes a 32-bit dword to the given I/O port.
func Out32(port uint16, value uint32)

// IOWait performs a short, throwaway write to an unused port (0x80) to give
// the preceding port I/O operation time to complete on real hardware.
func IOWait() {
	Out8(0x80, 0)
}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
