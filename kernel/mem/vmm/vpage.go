package vmm

import (
	"kernel32/kernel"
	"kernel32/kernel/mem"
	"kernel32/kernel/mem/pmm"
)

const (
	// vpageRegionStart is the first virtual page this allocator manages.
	// It sits directly above the temporary-mapping page so it never
	// collides with MapTemporary's single-page window.
	vpageRegionStart = tempMappingAddr + uintptr(mem.PageSize)

	// vpageCount bounds the window to 128MiB of kernel virtual address
	// space, tracked by a bitmap exactly like the PMM's frame bitmap.
	vpageCount = 32768

	// dmaLowFrame/dmaHighFrame bound DMA-safe physical memory to
	// [0x10_0000, 0x100_0000), the low-16MiB ISA DMA window.
	dmaLowFrame  = pmm.Frame(0x100000 >> mem.PageShift)
	dmaHighFrame = pmm.Frame(0x1000000 >> mem.PageShift)
)

var (
	vpageBitmap    [vpageCount / 64]uint64
	vpageLastAlloc uint32

	errVMMBadSize       = &kernel.Error{Module: "vmm", Message: "size must be greater than zero"}
	errVMMOutOfVSpace   = &kernel.Error{Module: "vmm", Message: "out of virtual address space"}
	errVMMUnalignedAddr = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}
	errVMMBelowKernel   = &kernel.Error{Module: "vmm", Message: "address is below the kernel's virtual address space"}
	errVMMNotMapped     = &kernel.Error{Module: "vmm", Message: "address is not currently mapped"}
)

func vpageIndexFree(index uint32) bool {
	block := index >> 6
	mask := uint64(1) << (63 - (index - block<<6))
	return vpageBitmap[block]&mask == 0
}

func vpageMark(index uint32, used bool) {
	block := index >> 6
	mask := uint64(1) << (63 - (index - block<<6))
	if used {
		vpageBitmap[block] |= mask
	} else {
		vpageBitmap[block] &^= mask
	}
}

// allocVPages scans the virtual page bitmap using the same rotating-hint,
// two-pass linear scan as the PMM's bitmap allocator: from the hint to the
// end of the window, then from the start of the window to the hint.
func allocVPages(n uint32) (uint32, *kernel.Error) {
	if n == 0 {
		return 0, errVMMBadSize
	}

	try := func(from, to uint32) (uint32, bool) {
		var run uint32
		for i := from; i < to; i++ {
			if vpageIndexFree(i) {
				run++
				if run == n {
					start := i - n + 1
					for j := start; j <= i; j++ {
						vpageMark(j, true)
					}
					return start, true
				}
			} else {
				run = 0
			}
		}
		return 0, false
	}

	if start, ok := try(vpageLastAlloc, vpageCount); ok {
		vpageLastAlloc = start + n
		return start, nil
	}
	if start, ok := try(0, vpageLastAlloc); ok {
		vpageLastAlloc = start + n
		return start, nil
	}
	return 0, errVMMOutOfVSpace
}

func freeVPages(start uint32, n uint32) {
	for i := start; i < start+n; i++ {
		vpageMark(i, false)
	}
}

func vpageToAddr(index uint32) uintptr {
	return vpageRegionStart + uintptr(index)*uintptr(mem.PageSize)
}

// AllocPage finds a free kernel virtual page, backs it with a freshly
// allocated physical frame and maps it present+writable, returning the
// page's virtual address.
func AllocPage() (uintptr, *kernel.Error) {
	v, err := AllocContiguous(1)
	return v, err
}

// FreePage resolves virt to its backing physical frame, frees that frame,
// removes the mapping and marks the virtual page free again. It fails if
// virt is unaligned or not currently mapped.
func FreePage(virt uintptr) *kernel.Error {
	if virt%uintptr(mem.PageSize) != 0 {
		return errVMMUnalignedAddr
	}

	phys, err := translateFn(virt)
	if err != nil {
		return errVMMNotMapped
	}

	frame := pmm.Frame(phys >> mem.PageShift)
	if ferr := freeFrameFn(frame); ferr != nil {
		return ferr
	}

	unmapFn(PageFromAddress(virt))

	index := uint32((virt - vpageRegionStart) / uintptr(mem.PageSize))
	freeVPages(index, 1)
	return nil
}

// AllocContiguous finds pages consecutive free virtual pages and pages
// contiguous physical frames and maps each virtual page to its
// corresponding frame. Any failure midway rolls back the maps and frames
// already established.
func AllocContiguous(pages uint32) (uintptr, *kernel.Error) {
	if pages == 0 {
		return 0, errVMMBadSize
	}

	vIndex, err := allocVPages(pages)
	if err != nil {
		return 0, err
	}

	baseFrame, err := allocFramesFn(pages)
	if err != nil {
		freeVPages(vIndex, pages)
		return 0, err
	}

	for i := uint32(0); i < pages; i++ {
		page := PageFromAddress(vpageToAddr(vIndex + i))
		if err = mapFn(activePDTFn(), page, baseFrame+pmm.Frame(i), FlagPresent|FlagRW); err != nil {
			// roll back previously established mappings and the frames
			for j := uint32(0); j < i; j++ {
				unmapFn(PageFromAddress(vpageToAddr(vIndex + j)))
			}
			freeFramesFn(baseFrame, pages)
			freeVPages(vIndex, pages)
			return 0, err
		}
	}

	return vpageToAddr(vIndex), nil
}

// MapMMIO reserves consecutive virtual pages and maps them to the physical
// region [phys, phys+size) with the caller-supplied flags, typically
// including FlagDoNotCache. It does not allocate physical frames; the
// region is assumed to already correspond to device memory.
func MapMMIO(phys uintptr, size mem.Size, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errVMMBadSize
	}

	pageCount := uint32((size + mem.PageSize - 1) >> mem.PageShift)
	vIndex, err := allocVPages(pageCount)
	if err != nil {
		return 0, err
	}

	baseFrame := pmm.Frame(phys >> mem.PageShift)
	for i := uint32(0); i < pageCount; i++ {
		page := PageFromAddress(vpageToAddr(vIndex + i))
		if err = mapFn(activePDTFn(), page, baseFrame+pmm.Frame(i), flags); err != nil {
			for j := uint32(0); j < i; j++ {
				unmapFn(PageFromAddress(vpageToAddr(vIndex + j)))
			}
			freeVPages(vIndex, pageCount)
			return 0, err
		}
	}

	return vpageToAddr(vIndex), nil
}

// DMAAlloc behaves like AllocContiguous but constrains the backing physical
// frames to the low-16MiB ISA DMA window and marks the mapping UNCACHED, for
// hardware (e.g. the RTL8139 NIC) that DMAs into buffers below 16MiB.
func DMAAlloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errVMMBadSize
	}

	pageCount := uint32((size + mem.PageSize - 1) >> mem.PageShift)

	vIndex, err := allocVPages(pageCount)
	if err != nil {
		return 0, err
	}

	baseFrame, err := allocFramesInRangeFn(pageCount, dmaLowFrame, dmaHighFrame)
	if err != nil {
		freeVPages(vIndex, pageCount)
		return 0, err
	}

	for i := uint32(0); i < pageCount; i++ {
		page := PageFromAddress(vpageToAddr(vIndex + i))
		if err = mapFn(activePDTFn(), page, baseFrame+pmm.Frame(i), FlagPresent|FlagRW|FlagDoNotCache); err != nil {
			for j := uint32(0); j < i; j++ {
				unmapFn(PageFromAddress(vpageToAddr(vIndex + j)))
			}
			freeFramesFn(baseFrame, pageCount)
			freeVPages(vIndex, pageCount)
			return 0, err
		}
	}

	return vpageToAddr(vIndex), nil
}

// VirtToPhys walks the directory and page table for virt and returns the
// backing physical address, or a non-nil error if virt has no mapping.
func VirtToPhys(virt uintptr) (uintptr, *kernel.Error) {
	return translateFn(virt)
}
