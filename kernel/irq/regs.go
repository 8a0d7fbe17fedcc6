package irq

import "kernel32/kernel/kfmt"

// Regs holds the contents of the general purpose registers as they were
// saved by the low-level interrupt stub just before the dispatcher was
// invoked.
type Regs struct {
	EDI, ESI, EBP, ESP uint32
	EBX, EDX, ECX, EAX uint32
}

// Print outputs a formatted dump of the register contents.
func (r *Regs) Print() {
	kfmt.Printf("eax: %x, ebx: %x, ecx: %x, edx: %x\n", r.EAX, r.EBX, r.ECX, r.EDX)
	kfmt.Printf("esi: %x, edi: %x, ebp: %x, esp: %x\n", r.ESI, r.EDI, r.EBP, r.ESP)
}

// Frame holds the processor state that the CPU pushes onto the stack when
// servicing an interrupt or exception.
type Frame struct {
	EIP, CS, EFlags uint32
}

// Print outputs a formatted dump of the interrupt frame contents.
func (f *Frame) Print() {
	kfmt.Printf("eip: %x, cs: %x, eflags: %x\n", f.EIP, f.CS, f.EFlags)
}
