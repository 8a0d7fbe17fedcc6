package vmm

import (
	"kernel32/kernel/cpu"
	"kernel32/kernel/mem"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers
	// so walk() can be properly tested. When compiling the kernel this
	// function will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// activePDTFn is used by tests to override calls to cpu.ActivePDT
	// which will fault outside of a real CPU.
	activePDTFn = cpu.ActivePDT
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address against the
// currently active page directory, calling walkFn with the page directory
// entry (level 0) and then, if walkFn returned true, the page table entry
// (level 1) that correspond to it.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	walkPDT(activePDTFn(), virtAddr, walkFn)
}

// walkPDT is like walk but targets the page directory at the given physical
// address instead of assuming it is the active one.
//
// Unlike amd64's 4-level recursive self-mapping, 32-bit non-PAE paging has
// only two levels, so walkPDT reads each table through the higher-half
// alias of its physical address: the low IdentityMapSize bytes of physical
// memory are mapped both at address 0 and at mem.KernelVMAStart, and every
// page directory/table this kernel allocates is backed by a frame from that
// range, so `mem.KernelVMAStart + framePhysAddr` is always a valid virtual
// address for the table's contents -- whether or not that directory is the
// one currently loaded into CR3.
func walkPDT(pdtPhysAddr uintptr, virtAddr uintptr, walkFn pageTableWalker) {
	pdIndex := uintptr(virtAddr>>pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
	ptIndex := uintptr(virtAddr>>pageLevelShifts[1]) & ((1 << pageLevelBits[1]) - 1)

	pdVirtAddr := mem.KernelVMAStart + pdtPhysAddr
	pdEntryAddr := pdVirtAddr + (pdIndex << mem.PointerShift)
	pdEntry := (*pageTableEntry)(ptePtrFn(pdEntryAddr))

	if !walkFn(0, pdEntry) {
		return
	}

	ptVirtAddr := mem.KernelVMAStart + pdEntry.Frame().Address()
	ptEntryAddr := ptVirtAddr + (ptIndex << mem.PointerShift)
	ptEntry := (*pageTableEntry)(ptePtrFn(ptEntryAddr))

	walkFn(1, ptEntry)
}
