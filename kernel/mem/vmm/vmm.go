package vmm

import (
	"kernel32/kernel"
	"kernel32/kernel/cpu"
	"kernel32/kernel/hal/multiboot"
	"kernel32/kernel/irq"
	"kernel32/kernel/kfmt"
	"kernel32/kernel/mem"
	"kernel32/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// allocFramesFn/freeFrameFn/freeFramesFn/allocFramesInRangeFn back the
	// AllocContiguous/FreePage/DMAAlloc facade in vpage.go. They default to
	// no-ops that fail until SetContiguousFrameAllocator,
	// SetRangedFrameAllocator, SetFrameFreer and SetFramesFreer wire a real
	// allocator (allocator.Init calls them with the bitmap allocator once the
	// PMM is initialized).
	allocFramesFn         = func(n uint32) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoFrameAllocator }
	freeFrameFn           = func(pmm.Frame) *kernel.Error { return errNoFrameAllocator }
	freeFramesFn          = func(pmm.Frame, uint32) *kernel.Error { return errNoFrameAllocator }
	allocFramesInRangeFn  = func(n uint32, lo, hi pmm.Frame) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoFrameAllocator }

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	translateFn               = Translate
	mapTemporaryFn            = MapTemporary
	visitElfSectionsFn        = multiboot.VisitElfSections

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errNoFrameAllocator   = &kernel.Error{Module: "vmm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// ContiguousFrameAllocatorFn allocates n contiguous physical frames.
type ContiguousFrameAllocatorFn func(n uint32) (pmm.Frame, *kernel.Error)

// RangedFrameAllocatorFn allocates n contiguous physical frames restricted
// to [lo, hi).
type RangedFrameAllocatorFn func(n uint32, lo, hi pmm.Frame) (pmm.Frame, *kernel.Error)

// FrameFreeFn frees a single physical frame.
type FrameFreeFn func(pmm.Frame) *kernel.Error

// FramesFreeFn frees n contiguous physical frames starting at base.
type FramesFreeFn func(base pmm.Frame, n uint32) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// SetContiguousFrameAllocator registers the allocator used by
// AllocContiguous and DMAAlloc to reserve multiple physical frames at once.
func SetContiguousFrameAllocator(allocFn ContiguousFrameAllocatorFn) {
	allocFramesFn = allocFn
}

// SetRangedFrameAllocator registers the allocator used by DMAAlloc to
// restrict its physical frames to a sub-range (the low-16MiB ISA DMA
// window).
func SetRangedFrameAllocator(allocFn RangedFrameAllocatorFn) {
	allocFramesInRangeFn = allocFn
}

// SetFrameFreer registers the function used by FreePage to release a single
// physical frame back to the PMM.
func SetFrameFreer(freeFn FrameFreeFn) {
	freeFrameFn = freeFn
}

// SetFramesFreer registers the function used by AllocContiguous/DMAAlloc
// rollback paths to release a run of physical frames back to the PMM.
func SetFramesFreer(freeFn FramesFreeFn) {
	freeFramesFn = freeFn
}

func pageFaultHandler(errorCode uint32, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			cpFrame pmm.Frame
			tmpPage Page
			err     *kernel.Error
		)

		if cpFrame, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(cpFrame); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(cpFrame)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint32, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panic(err)
}

func generalProtectionFaultHandler(_ uint32, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm system, creates a granular page directory for the
// kernel and installs paging-related exception handlers.
func Init(kernelPageOffset uintptr) *kernel.Error {
	if err := setupPDTForKernel(kernelPageOffset); err != nil {
		return err
	}

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// setupPDTForKernel queries the multiboot package for the ELF sections that
// correspond to the loaded kernel image and establishes a new granular page
// directory for the kernel's VMA using the appropriate flags (e.g. RW for
// writable sections).
func setupPDTForKernel(kernelPageOffset uintptr) *kernel.Error {
	var pdt PageDirectoryTable

	// Allocate frame for the page directory and initialize it
	pdtFrame, err := frameAllocator()
	if err != nil {
		return err
	}

	if err = pdt.Init(pdtFrame); err != nil {
		return err
	}

	// Query the ELF sections of the kernel image and establish mappings
	// for each one using the appropriate flags
	visitor := func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error; also ignore sections
		// not using the kernel's VMA
		if err != nil || secAddress < kernelPageOffset {
			return
		}

		flags := FlagPresent

		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		if (secFlags & multiboot.ElfSectionExecutable) == 0 {
			flags |= FlagNoExecute
		}

		// Map the start and end VMA addresses for the section contents
		// into a start and end (inclusive) page number. To figure out
		// the physical start frame we just need to subtract the
		// kernel's VMA offset from the virtual address and round that
		// down to the nearest frame number.
		curPage := PageFromAddress(secAddress)
		lastPage := PageFromAddress(secAddress + uintptr(secSize-1))
		curFrame := pmm.Frame((secAddress - kernelPageOffset) >> mem.PageShift)
		for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
			if err = pdt.Map(curPage, curFrame, flags); err != nil {
				return
			}
		}
	}

	visitElfSectionsFn(visitor)

	// If an error occurred while mapping the ELF sections bail out
	if err != nil {
		return err
	}

	// Ensure that any pages mapped by the memory allocator using
	// EarlyReserveRegion are copied to the new page directory.
	for rsvAddr := earlyReserveLastUsed; rsvAddr < tempMappingAddr; rsvAddr += uintptr(mem.PageSize) {
		page := PageFromAddress(rsvAddr)

		frameAddr, err := translateFn(rsvAddr)
		if err != nil {
			return err
		}

		if err = pdt.Map(page, pmm.Frame(frameAddr>>mem.PageShift), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	// Activate the new page directory. After this point, the identity
	// mapping for the low memory addresses where the kernel was loaded
	// remains valid only through the KernelVMAStart alias.
	pdt.Activate()

	return nil
}
