package vmm

import (
	"kernel32/kernel"
	"kernel32/kernel/mem"
	"kernel32/kernel/mem/pmm"
	"testing"
)

func resetVPageState() {
	vpageBitmap = [vpageCount / 64]uint64{}
	vpageLastAlloc = 0
	mapFn = mapInto
	unmapFn = Unmap
	translateFn = Translate
	activePDTFn = func() uintptr { return 0 }
	allocFramesFn = func(n uint32) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoFrameAllocator }
	freeFrameFn = func(pmm.Frame) *kernel.Error { return errNoFrameAllocator }
	freeFramesFn = func(pmm.Frame, uint32) *kernel.Error { return errNoFrameAllocator }
	allocFramesInRangeFn = func(n uint32, lo, hi pmm.Frame) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoFrameAllocator }
}

func TestAllocVPagesRotatingHint(t *testing.T) {
	resetVPageState()

	first, err := allocVPages(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 0 {
		t.Fatalf("expected first allocation to start at index 0; got %d", first)
	}

	second, err := allocVPages(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != 4 {
		t.Fatalf("expected rotating hint to advance past the first run; got %d", second)
	}

	freeVPages(0, 4)
	third, err := allocVPages(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third != 8 {
		t.Fatalf("expected scan to continue past the hint before wrapping; got %d", third)
	}
}

func TestAllocVPagesOutOfSpace(t *testing.T) {
	resetVPageState()
	for i := range vpageBitmap {
		vpageBitmap[i] = ^uint64(0)
	}

	if _, err := allocVPages(1); err != errVMMOutOfVSpace {
		t.Fatalf("expected errVMMOutOfVSpace; got %v", err)
	}
}

func TestAllocContiguousRollsBackOnMapFailure(t *testing.T) {
	resetVPageState()

	var freedBase pmm.Frame
	var freedCount uint32
	allocFramesFn = func(n uint32) (pmm.Frame, *kernel.Error) { return pmm.Frame(10), nil }
	freeFramesFn = func(base pmm.Frame, n uint32) *kernel.Error {
		freedBase, freedCount = base, n
		return nil
	}

	var mapped int
	mapErr := &kernel.Error{Module: "test", Message: "boom"}
	mapFn = func(pdtPhysAddr uintptr, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
		mapped++
		if mapped == 3 {
			return mapErr
		}
		return nil
	}
	var unmapped int
	unmapFn = func(Page) *kernel.Error {
		unmapped++
		return nil
	}

	if _, err := AllocContiguous(3); err != mapErr {
		t.Fatalf("expected mapErr to propagate; got %v", err)
	}
	if unmapped != 2 {
		t.Fatalf("expected the 2 successful maps to be rolled back; got %d", unmapped)
	}
	if freedBase != 10 || freedCount != 3 {
		t.Fatalf("expected the allocated frames to be released; got base=%d count=%d", freedBase, freedCount)
	}
	for i := uint32(0); i < 3; i++ {
		if !vpageIndexFree(i) {
			t.Fatalf("expected virtual pages to be freed after rollback; index %d still marked used", i)
		}
	}
}

func TestAllocContiguousSuccess(t *testing.T) {
	resetVPageState()

	allocFramesFn = func(n uint32) (pmm.Frame, *kernel.Error) { return pmm.Frame(20), nil }
	mapFn = func(pdtPhysAddr uintptr, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error { return nil }

	virt, err := AllocContiguous(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if virt != vpageRegionStart {
		t.Fatalf("expected allocation to start at the region base; got 0x%x", virt)
	}
}

func TestFreePageRejectsUnaligned(t *testing.T) {
	resetVPageState()
	if err := FreePage(vpageRegionStart + 1); err != errVMMUnalignedAddr {
		t.Fatalf("expected errVMMUnalignedAddr; got %v", err)
	}
}

func TestFreePageRequiresMapping(t *testing.T) {
	resetVPageState()
	translateFn = func(uintptr) (uintptr, *kernel.Error) {
		return 0, &kernel.Error{Module: "vmm", Message: "not mapped"}
	}

	if err := FreePage(vpageRegionStart); err != errVMMNotMapped {
		t.Fatalf("expected errVMMNotMapped; got %v", err)
	}
}

func TestFreePageReleasesFrameAndVPage(t *testing.T) {
	resetVPageState()

	vpageMark(0, true)
	translateFn = func(uintptr) (uintptr, *kernel.Error) { return uintptr(7 * mem.PageSize), nil }

	var freedFrame pmm.Frame
	freeFrameFn = func(f pmm.Frame) *kernel.Error {
		freedFrame = f
		return nil
	}
	var unmapped Page
	unmapFn = func(p Page) *kernel.Error {
		unmapped = p
		return nil
	}

	if err := FreePage(vpageRegionStart); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if freedFrame != 7 {
		t.Fatalf("expected frame 7 to be freed; got %d", freedFrame)
	}
	if unmapped != PageFromAddress(vpageRegionStart) {
		t.Fatalf("expected the virtual page to be unmapped")
	}
	if !vpageIndexFree(0) {
		t.Fatalf("expected the virtual page index to be marked free")
	}
}

func TestDMAAllocUsesRangedAllocatorAndUncachedFlag(t *testing.T) {
	resetVPageState()

	var gotLo, gotHi pmm.Frame
	allocFramesInRangeFn = func(n uint32, lo, hi pmm.Frame) (pmm.Frame, *kernel.Error) {
		gotLo, gotHi = lo, hi
		return pmm.Frame(300), nil
	}

	var gotFlags PageTableEntryFlag
	mapFn = func(pdtPhysAddr uintptr, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
		gotFlags = flags
		return nil
	}

	if _, err := DMAAlloc(mem.PageSize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLo != dmaLowFrame || gotHi != dmaHighFrame {
		t.Fatalf("expected DMAAlloc to bound frames to [0x100000, 0x1000000); got [%d, %d)", gotLo, gotHi)
	}
	if gotFlags&FlagDoNotCache == 0 {
		t.Fatalf("expected DMAAlloc mappings to set FlagDoNotCache")
	}
}

func TestMapMMIOMapsRequestedPhysicalRange(t *testing.T) {
	resetVPageState()

	var gotFrames []pmm.Frame
	mapFn = func(pdtPhysAddr uintptr, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
		gotFrames = append(gotFrames, frame)
		return nil
	}

	phys := uintptr(0xFEBC0000)
	if _, err := MapMMIO(phys, 2*mem.PageSize, FlagPresent|FlagRW|FlagDoNotCache); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotFrames) != 2 {
		t.Fatalf("expected 2 pages to be mapped; got %d", len(gotFrames))
	}
	if gotFrames[0] != pmm.Frame(phys>>mem.PageShift) || gotFrames[1] != gotFrames[0]+1 {
		t.Fatalf("expected consecutive physical frames starting at phys>>PageShift; got %v", gotFrames)
	}
}
