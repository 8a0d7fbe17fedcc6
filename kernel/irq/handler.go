package irq

// NumVectors is the size of the interrupt vector space on x86 (8-bit vector
// number).
const NumVectors = 256

// NumExceptionVectors is the number of CPU-reserved exception vectors that
// precede the remapped hardware IRQ range.
const NumExceptionVectors = 32

// HandlerFn is invoked by the dispatcher when the associated IRQ fires. The
// register snapshot captured by the low-level stub is passed through
// unmodified.
type HandlerFn func(regs *Regs)

// handlerTable maps an interrupt vector (0-255) to a registered handler. A
// nil slot means no handler is registered for that vector.
var handlerTable [NumVectors]HandlerFn

// RegisterHandler installs fn as the handler for the given interrupt vector,
// replacing any handler previously registered for it.
func RegisterHandler(vector uint8, fn HandlerFn) {
	handlerTable[vector] = fn
}

// RegisterIRQHandler installs fn as the handler for the given IRQ line
// (0-15) and unmasks it at the PIC.
func RegisterIRQHandler(irqLine uint8, fn HandlerFn) {
	RegisterHandler(vectorForIRQ(irqLine), fn)
	UnmaskIRQ(irqLine)
}

func vectorForIRQ(irqLine uint8) uint8 {
	return MasterVectorOffset + irqLine
}

// Dispatch is invoked by the low-level interrupt stub for every interrupt
// vector, whether it is a CPU exception (< 32) or a remapped hardware IRQ.
// errorCode carries the CPU-supplied error code for the handful of
// exception vectors that push one (8, 10, 11, 12, 13, 14, 17); it is
// otherwise 0.
//
// Exception vectors invoke their registered recovery handler if any,
// otherwise the dispatcher logs the register and frame state and halts the
// CPU. Hardware IRQs are first checked for spuriousness (only meaningful
// for IRQ7/IRQ15); a genuine IRQ invokes its registered handler if any. The
// EOI is always sent, even for a spurious IRQ, so that the PIC does not
// wedge and stop delivering further interrupts.
func Dispatch(vector uint8, errorCode uint32, regs *Regs, frame *Frame) {
	if vector < NumExceptionVectors {
		dispatchExceptionWithCode(vector, errorCode, regs, frame)
		return
	}

	irqLine := vector - MasterVectorOffset
	if (irqLine == 7 || irqLine == 15) && isSpuriousIRQ(irqLine) {
		sendEOI(irqLine)
		return
	}

	if handler := handlerTable[vector]; handler != nil {
		handler(regs)
	}

	sendEOI(irqLine)
}
