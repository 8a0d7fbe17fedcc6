// Package timer drives the 8253/8254 Programmable Interval Timer (PIT) on
// channel 0, IRQ0. It provides the kernel's only notion of elapsed time: a
// monotonic tick counter, a bounded table of periodic callbacks replayed on
// every tick whose interval divides evenly, and a halt-until-tick Sleep.
package timer

import (
	"io"
	"time"

	"kernel32/device"
	"kernel32/kernel"
	"kernel32/kernel/cpu"
	"kernel32/kernel/irq"
)

const (
	// inputClockHz is the PIT's fixed oscillator frequency.
	inputClockHz = 1193182

	commandPort      = 0x43
	channel0DataPort = 0x40

	// irqLine is the PIT's cascaded IRQ line once the PIC has been
	// remapped (vector MasterVectorOffset+0).
	irqLine = 0

	// defaultFrequencyHz is the rate DriverInit programs channel 0 to on
	// probe, matching the teacher's timer_init default.
	defaultFrequencyHz = 100

	// mode3SquareWave selects channel 0, lobyte/hibyte access, mode 3
	// (square wave generator), binary counting.
	mode3SquareWave = 0x36

	// maxPeriodicFuncs bounds the periodic-callback table, mirroring the
	// original firmware's fixed-size MAXIMUM_TIMER_FUNCTIONS array.
	maxPeriodicFuncs = 8
)

// in8Fn/out8Fn/haltFn/registerIRQHandlerFn are indirections used by tests to
// mock hardware access and IRQ registration.
var (
	in8Fn                = cpu.In8
	out8Fn               = cpu.Out8
	haltFn               = cpu.Halt
	registerIRQHandlerFn = irq.RegisterIRQHandler
)

var (
	ticks       uint64
	frequencyHz uint32

	periodicFuncs [maxPeriodicFuncs]periodicFunc
	nextSlot      int
)

type periodicFunc struct {
	intervalTicks uint32
	fn            func()
}

// PIT models the 8253/8254 timer as a device.Driver so it is probed and
// initialized by hal.DetectHardware alongside the NIC and ATA/IDE disk.
type PIT struct{}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probe,
	})
}

func probe() device.Driver {
	return &PIT{}
}

// DriverName implements device.Driver.
func (p *PIT) DriverName() string { return "pit8253" }

// DriverVersion implements device.Driver.
func (p *PIT) DriverVersion() (major, minor, patch uint16) { return 1, 0, 0 }

// DriverInit programs channel 0 to the default frequency and installs the
// tick handler on IRQ0.
func (p *PIT) DriverInit(w io.Writer) *kernel.Error {
	SetFrequency(defaultFrequencyHz)
	registerIRQHandlerFn(irqLine, handleTick)
	return nil
}

// SetFrequency reprograms channel 0 to fire at approximately hz interrupts
// per second. The PIT's integer divisor means the achieved frequency is
// inputClockHz/divisor, which only exactly matches hz when it divides
// inputClockHz evenly.
func SetFrequency(hz uint32) {
	frequencyHz = hz
	divisor := uint16(inputClockHz / hz)
	out8Fn(commandPort, mode3SquareWave)
	out8Fn(channel0DataPort, uint8(divisor&0xff))
	out8Fn(channel0DataPort, uint8((divisor>>8)&0xff))
}

// handleTick is installed as the IRQ0 handler. It advances the tick counter
// and replays every periodic callback whose interval divides the new tick
// count, the same scheme as the original firmware's timer_handler.
func handleTick(_ *irq.Regs) {
	ticks++
	for i := range periodicFuncs {
		pf := &periodicFuncs[i]
		if pf.intervalTicks == 0 || pf.fn == nil {
			continue
		}
		if ticks%uint64(pf.intervalTicks) == 0 {
			pf.fn()
		}
	}
}

// Ticks returns the number of timer interrupts delivered since the PIT was
// programmed.
func Ticks() uint64 {
	return ticks
}

// Frequency returns the frequency channel 0 was last programmed to, in Hz.
func Frequency() uint32 {
	return frequencyHz
}

// RegisterPeriodic installs fn to run from interrupt context every time the
// tick counter becomes a multiple of intervalTicks. The table is a fixed
// size ring; once full, a new registration evicts the oldest entry rather
// than failing, mirroring the original firmware's round-robin slot reuse.
func RegisterPeriodic(intervalTicks uint32, fn func()) {
	nextSlot = (nextSlot + 1) % maxPeriodicFuncs
	periodicFuncs[nextSlot] = periodicFunc{intervalTicks: intervalTicks, fn: fn}
}

// Sleep blocks the caller until at least d has elapsed, halting the CPU
// between ticks. Since this kernel has no preemption, callers must not hold
// resources another interrupt handler needs while sleeping.
func Sleep(d time.Duration) {
	if frequencyHz == 0 || d <= 0 {
		return
	}

	target := ticks + uint64(d.Nanoseconds())*uint64(frequencyHz)/1e9
	for ticks < target {
		haltFn()
	}
}
