package timer

import (
	"kernel32/kernel/irq"
	"testing"
	"time"
)

func resetState() {
	ticks = 0
	frequencyHz = 0
	periodicFuncs = [maxPeriodicFuncs]periodicFunc{}
	nextSlot = 0
}

func TestSetFrequency(t *testing.T) {
	defer func(orig func(uint16, uint8)) { out8Fn = orig }(out8Fn)
	resetState()

	var wrote []uint8
	out8Fn = func(port uint16, value uint8) {
		wrote = append(wrote, value)
	}

	SetFrequency(100)

	if exp := uint32(100); frequencyHz != exp {
		t.Fatalf("expected frequencyHz to be %d; got %d", exp, frequencyHz)
	}

	if len(wrote) != 3 {
		t.Fatalf("expected 3 port writes (command + lo + hi); got %d", len(wrote))
	}

	if exp := uint8(mode3SquareWave); wrote[0] != exp {
		t.Fatalf("expected first write to be the command byte %#x; got %#x", exp, wrote[0])
	}

	divisor := uint16(inputClockHz / 100)
	if wrote[1] != uint8(divisor&0xff) || wrote[2] != uint8((divisor>>8)&0xff) {
		t.Fatalf("expected divisor %d to be written lo/hi; got %d/%d", divisor, wrote[1], wrote[2])
	}
}

func TestHandleTick(t *testing.T) {
	resetState()

	var calls []uint64
	RegisterPeriodic(2, func() { calls = append(calls, ticks) })
	RegisterPeriodic(3, func() { calls = append(calls, ticks*100) })

	for i := 0; i < 6; i++ {
		handleTick(nil)
	}

	if exp := uint64(6); ticks != exp {
		t.Fatalf("expected 6 ticks; got %d", ticks)
	}

	// interval 2 fires at ticks 2,4,6; interval 3 fires at ticks 3,6
	expCalls := []uint64{2, 300, 4, 6, 600}
	if len(calls) != len(expCalls) {
		t.Fatalf("expected %d callback invocations; got %d (%v)", len(expCalls), len(calls), calls)
	}
	for i, exp := range expCalls {
		if calls[i] != exp {
			t.Errorf("[call %d] expected %d; got %d", i, exp, calls[i])
		}
	}
}

func TestRegisterPeriodicEvictsOldestWhenFull(t *testing.T) {
	resetState()

	for i := 0; i < maxPeriodicFuncs+1; i++ {
		RegisterPeriodic(uint32(i+1), func() {})
	}

	// RegisterPeriodic advances nextSlot before storing, so the first
	// registration went to slot 1; the table wrapped around and slot 1, the
	// oldest entry, should now hold the (maxPeriodicFuncs+1)-th registration
	if exp := uint32(maxPeriodicFuncs + 1); periodicFuncs[1].intervalTicks != exp {
		t.Fatalf("expected slot 1 (the oldest) to be evicted and reused; got interval %d", periodicFuncs[1].intervalTicks)
	}
}

func TestSleep(t *testing.T) {
	defer func(orig func()) { haltFn = orig }(haltFn)
	resetState()

	frequencyHz = 100
	haltCount := 0
	haltFn = func() {
		haltCount++
		ticks++
	}

	Sleep(50 * time.Millisecond)

	if exp := uint64(5); ticks != exp {
		t.Fatalf("expected sleeping for 50ms at 100Hz to advance 5 ticks; got %d", ticks)
	}
	if haltCount != 5 {
		t.Fatalf("expected Halt to be called 5 times; got %d", haltCount)
	}
}

func TestSleepNoopWithoutFrequency(t *testing.T) {
	defer func(orig func()) { haltFn = orig }(haltFn)
	resetState()

	haltFn = func() { t.Fatal("Halt should not be called when no frequency is programmed") }

	Sleep(time.Second)
}

func TestDriverInit(t *testing.T) {
	defer func(origOut func(uint16, uint8), origRegister func(uint8, irq.HandlerFn)) {
		out8Fn = origOut
		registerIRQHandlerFn = origRegister
	}(out8Fn, registerIRQHandlerFn)
	resetState()

	out8Fn = func(uint16, uint8) {}

	var gotIRQ uint8
	registerIRQHandlerFn = func(irqLine uint8, fn irq.HandlerFn) {
		gotIRQ = irqLine
	}

	pit := &PIT{}
	if err := pit.DriverInit(nil); err != nil {
		t.Fatal(err)
	}

	if gotIRQ != 0 {
		t.Fatalf("expected PIT to register on IRQ0; got %d", gotIRQ)
	}
	if frequencyHz != defaultFrequencyHz {
		t.Fatalf("expected DriverInit to program the default frequency; got %d", frequencyHz)
	}
}
