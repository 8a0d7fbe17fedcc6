package vmm

import (
	"kernel32/kernel/mem/pmm"
	"testing"
	"unsafe"
)

func TestTranslate(t *testing.T) {
	defer func(origActivePDT func() uintptr) {
		activePDTFn = origActivePDT
	}(activePDTFn)
	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
	}(ptePtrFn)

	activePDTFn = func() uintptr { return 0 }

	// the virtual address just contains the page offset
	virtAddr := uintptr(1234)
	expFrame := pmm.Frame(42)
	expPhysAddr := expFrame.Address() + virtAddr

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		var pte pageTableEntry
		pte.SetFrame(expFrame)
		pte.SetFlags(FlagPresent)
		pteCallCount++

		return unsafe.Pointer(&pte)
	}

	physAddr, err := Translate(virtAddr)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if physAddr != expPhysAddr {
		t.Errorf("expected phys addr to be 0x%x; got 0x%x", expPhysAddr, physAddr)
	}
	if pteCallCount != pageLevels {
		t.Errorf("expected ptePtrFn to be called %d times; got %d", pageLevels, pteCallCount)
	}
}

func TestTranslateMissingMapping(t *testing.T) {
	defer func(origActivePDT func() uintptr) {
		activePDTFn = origActivePDT
	}(activePDTFn)
	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
	}(ptePtrFn)

	activePDTFn = func() uintptr { return 0 }

	specs := [][pageLevels]bool{
		{false, true},
		{true, false},
	}

	for specIndex, spec := range specs {
		spec := spec
		pteCallCount := 0
		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			var pte pageTableEntry
			if spec[pteCallCount] {
				pte.SetFlags(FlagPresent)
			}
			pteCallCount++
			return unsafe.Pointer(&pte)
		}

		if _, err := Translate(1234); err != ErrInvalidMapping {
			t.Errorf("[spec %d] expected to get ErrInvalidMapping; got %v", specIndex, err)
		}
	}
}
