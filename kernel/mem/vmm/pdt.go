package vmm

import (
	"kernel32/kernel"
	"kernel32/kernel/cpu"
	"kernel32/kernel/mem"
	"kernel32/kernel/mem/pmm"
)

var (
	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT
	// which will fault outside of a real CPU.
	switchPDTFn = cpu.SwitchPDT
)

// PageDirectoryTable describes the top-level table in the two-level 32-bit
// non-PAE paging scheme: a page directory of 1024 PDEs, each pointing to a
// page table of 1024 PTEs.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init prepares a page directory table backed by pdtFrame. If pdtFrame is
// not the currently active page directory, its contents are cleared via the
// kernel's higher-half alias of low physical memory so the directory starts
// with no mappings; the frame must come from the identity-mapped low
// IdentityMapSize region for that alias to be valid.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	mem.Memset(mem.KernelVMAStart+pdtFrame.Address(), 0, mem.PageSize)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame in this page directory table. Unlike amd64's recursive mapping
// scheme, an inactive directory does not need a temporary swap to be
// reached: its frame is accessed directly through the KernelVMAStart alias.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapFn(pdt.pdtFrame.Address(), page, frame, flags)
}

// Activate loads this page directory into CR3 and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
