// +build 386

package vmm

import "kernel32/kernel/mem"

const (
	// pageLevels is the number of paging levels used by 32-bit non-PAE
	// paging: a page directory followed by a page table.
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address from a page
	// directory/table entry. Bits 12-31 hold the frame address; bits
	// 0-11 are flags.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. when initializing an inactive page
	// directory). It sits just above the identity-mapped-and-aliased
	// low 8MiB region so it never collides with that window.
	tempMappingAddr = mem.KernelVMAStart + uintptr(mem.IdentityMapSize)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level: 10 bits for the page directory
	// index, 10 bits for the page table index.
	pageLevelBits = [pageLevels]uint8{10, 10}

	// pageLevelShifts defines the shift required to extract each page
	// level's index out of a virtual address.
	pageLevelShifts = [pageLevels]uint8{22, 12}
)

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4MB pages (PSE) instead of 4K
	// pages. This core does not support 4MB pages; Map/Unmap reject any
	// entry carrying this flag.
	FlagHugePage
)

const (
	// FlagCopyOnWrite is used to implement copy-on-write functionality.
	// This flag and FlagRW are mutually exclusive. It occupies one of
	// the three bits (9-11) that the MMU reserves for OS use on every
	// page directory/table entry.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagNoExecute marks a page as non-executable. 32-bit non-PAE
	// paging has no hardware NX bit, so this flag is advisory only: it
	// occupies another OS-available bit and is never enforced by the
	// MMU.
	FlagNoExecute PageTableEntryFlag = 1 << 10
)
