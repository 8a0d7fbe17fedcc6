package irq

import (
	"kernel32/kernel/cpu"
	"kernel32/kernel/kfmt"
)

// ExceptionNum identifies one of the 32 CPU-reserved exception vectors.
type ExceptionNum uint8

// Named exception vectors that callers may want to install a dedicated
// handler for. The remaining vectors in [0, 32) are still dispatched but
// have no mnemonic constant.
const (
	DivideByZeroException ExceptionNum = 0
	DebugException         ExceptionNum = 1
	NMIException           ExceptionNum = 2
	BreakpointException    ExceptionNum = 3
	OverflowException      ExceptionNum = 4
	BoundRangeException    ExceptionNum = 5
	InvalidOpcodeException ExceptionNum = 6
	DeviceNotAvailable     ExceptionNum = 7
	DoubleFault            ExceptionNum = 8
	InvalidTSSException    ExceptionNum = 10
	SegmentNotPresent      ExceptionNum = 11
	StackSegmentFault      ExceptionNum = 12
	GPFException           ExceptionNum = 13
	PageFaultException     ExceptionNum = 14
	FPUException           ExceptionNum = 16
	AlignmentCheck         ExceptionNum = 17
	MachineCheck           ExceptionNum = 18
	SIMDException          ExceptionNum = 19
)

// exceptionNames mirrors the mnemonic used when logging an unhandled
// exception.
var exceptionNames = [NumExceptionVectors]string{
	"divide by zero",
	"debug",
	"non-maskable interrupt",
	"breakpoint",
	"overflow",
	"BOUND range exceeded",
	"invalid opcode",
	"device not available",
	"double fault",
	"coprocessor segment overrun",
	"invalid TSS",
	"segment not present",
	"stack-segment fault",
	"general protection fault",
	"page fault",
	"reserved",
	"x87 floating-point exception",
	"alignment check",
	"machine check",
	"SIMD floating-point exception",
	"virtualization exception",
	"reserved", "reserved", "reserved", "reserved",
	"reserved", "reserved", "reserved", "reserved", "reserved", "reserved",
}

// ExceptionHandler handles an exception that does not push an error code
// onto the stack.
type ExceptionHandler func(frame *Frame, regs *Regs)

// ExceptionHandlerWithCode handles an exception that pushes a 32-bit error
// code onto the stack before the interrupt frame (e.g. GPFException,
// PageFaultException).
type ExceptionHandlerWithCode func(errorCode uint32, frame *Frame, regs *Regs)

var (
	exceptionHandlers         [NumExceptionVectors]ExceptionHandler
	exceptionHandlersWithCode [NumExceptionVectors]ExceptionHandlerWithCode
)

// HandleException installs handler as the recovery routine for the given
// exception vector. Installing a handler prevents the default
// log-and-halt behavior for that vector.
func HandleException(num ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[num] = handler
}

// HandleExceptionWithCode installs handler as the recovery routine for an
// exception vector whose stack frame includes a CPU-supplied error code.
func HandleExceptionWithCode(num ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[num] = handler
}

// dispatchExceptionWithCode is invoked by Dispatch for vectors in [0, 32).
// If a recovery handler is registered for the vector it is invoked and
// execution resumes; otherwise the register and frame state is logged and
// the CPU halts. errorCode is 0 for vectors that don't push one.
func dispatchExceptionWithCode(vector uint8, errorCode uint32, regs *Regs, frame *Frame) {
	if handler := exceptionHandlersWithCode[vector]; handler != nil {
		handler(errorCode, frame, regs)
		return
	}

	if handler := exceptionHandlers[vector]; handler != nil {
		handler(frame, regs)
		return
	}

	logUnhandledException(vector, errorCode, regs, frame)
	haltFn()
}

func logUnhandledException(vector uint8, errorCode uint32, regs *Regs, frame *Frame) {
	kfmt.Printf("unhandled exception %d (%s), error code: %x\n", vector, exceptionNames[vector], errorCode)
	regs.Print()
	frame.Print()
}

// haltFn is indirected so tests can exercise dispatchExceptionWithCode
// without actually halting the CPU.
var haltFn = cpu.Halt
