package allocator

import (
	"math"
	"reflect"
	"unsafe"

	"kernel32/internal/stats"
	"kernel32/kernel"
	"kernel32/kernel/hal/multiboot"
	"kernel32/kernel/kfmt"
	"kernel32/kernel/mem"
	"kernel32/kernel/mem/pmm"
	"kernel32/kernel/mem/vmm"
)

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages once the early allocator has
	// been decommissioned.
	FrameAllocator BitmapAllocator

	// The following functions are used by tests to mock calls to the vmm
	// package and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errDoubleFree             = &kernel.Error{Module: "bitmap_alloc", Message: "frame already free"}
	errBadFrame               = &kernel.Error{Module: "bitmap_alloc", Message: "frame out of range"}
	errBitmapAllocOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit means the
	// corresponding frame is reserved.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// isFrameFree returns true if frame (relative to the pool) is currently
// unreserved according to the pool's bitmap.
func (p *framePool) isFrameFree(frame pmm.Frame) bool {
	relFrame := frame - p.startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return p.freeBitmap[block]&mask == 0
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	// lastAlloc is the rotating scan hint: the frame immediately after the
	// most recently allocated one. Scans start here instead of frame 0 so
	// bursty allocation workloads don't re-walk already-reserved frames on
	// every call.
	lastAlloc pmm.Frame

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the early bootmem
// allocator and flags any allocated pages as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	alloc.publishStats()
	return nil
}

// setupPoolBitmaps uses the early allocator and vmm region reservation helper
// to initialize the list of available pools and their free bitmap slices.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mem.PageSize - 1)
		requiredBitmapBytes mem.Size
	)

	// Detect available memory regions and calculate their pool bitmap
	// requirements.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits. Since
		// our slice uses uint64 for storing the bitmap we need to round
		// up the required bits so they are a multiple of 64 bits
		requiredBitmapBytes += mem.Size(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	// Reserve enough pages to hold the allocator state
	requiredBytes := mem.Size(((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + uint64(requiredBitmapBytes)) + pageSizeMinus1) & ^pageSizeMinus1)
	requiredPages := requiredBytes >> mem.PageShift
	alloc.poolsHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, index := vmm.PageFromAddress(alloc.poolsHdr.Data), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Run a second pass to initialize the free bitmap slices for all pools
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// markFrame updates the reservation flag for the bitmap entry that corresponds
// to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-endian representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// reserveKernelFrames makes as reserved the bitmap entries for the frames
// occupied by the kernel image.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(earlyAllocator.kernelStartFrame)
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames makes as reserved the bitmap entries for the
// frames already allocated by the early allocator.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		alloc.markFrame(
			alloc.poolForFrame(frame),
			frame,
			markReserved,
		)
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// publishStats mirrors the current pool counters to internal/stats so they
// can be scraped instead of only appearing in the boot log.
func (alloc *BitmapAllocator) publishStats() {
	stats.PMMFramesFree.Set(float64(alloc.totalPages - alloc.reservedPages))
	stats.PMMFramesUsed.Set(float64(alloc.reservedPages))
}

// AllocFrame returns the lowest-index free frame at or after the rotating
// allocation hint, marking it as reserved. It corresponds to the bitmap
// PMM's alloc_block operation: a single linear scan from the hint to the
// end of the pool list, then, if nothing was found, a second pass from the
// very first pool up to the hint.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	if frame, ok := alloc.scanSingleFree(alloc.lastAlloc, pmm.Frame(math.MaxUint32)); ok {
		alloc.lastAlloc = frame + 1
		return frame, nil
	}
	if alloc.lastAlloc > 0 {
		if frame, ok := alloc.scanSingleFree(0, alloc.lastAlloc); ok {
			alloc.lastAlloc = frame + 1
			return frame, nil
		}
	}

	stats.PMMAllocContiguousTotal.WithLabelValues("out_of_memory").Inc()
	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// scanSingleFree walks every pool overlapping [lo, hi) for the lowest-index
// free frame, reserving and returning it.
func (alloc *BitmapAllocator) scanSingleFree(lo, hi pmm.Frame) (pmm.Frame, bool) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 || pool.endFrame < lo || pool.startFrame >= hi {
			continue
		}

		scanStart := pool.startFrame
		if lo > scanStart {
			scanStart = lo
		}
		scanEnd := pool.endFrame
		if hi-1 < scanEnd {
			scanEnd = hi - 1
		}

		for frame := scanStart; frame <= scanEnd; frame++ {
			if !pool.isFrameFree(frame) {
				continue
			}

			alloc.markFrame(poolIndex, frame, markReserved)
			alloc.publishStats()
			return frame, true
		}
	}

	return pmm.InvalidFrame, false
}

// AllocFrames scans all pools for n consecutive free frames, reserves them
// and returns the base frame. It corresponds to the bitmap PMM's
// alloc_contiguous operation.
func (alloc *BitmapAllocator) AllocFrames(n uint32) (pmm.Frame, *kernel.Error) {
	base, err := alloc.allocContiguousInRange(n, 0, pmm.Frame(math.MaxUint32))
	if err != nil {
		stats.PMMAllocContiguousTotal.WithLabelValues("out_of_memory").Inc()
		return base, err
	}

	stats.PMMAllocContiguousTotal.WithLabelValues("ok").Inc()
	return base, nil
}

// AllocFramesInRange behaves like AllocFrames but restricts the search to
// frames in [lo, hi). It is used by DMA buffer allocation to stay within the
// low 16MiB that ISA-era hardware can address.
func (alloc *BitmapAllocator) AllocFramesInRange(n uint32, lo, hi pmm.Frame) (pmm.Frame, *kernel.Error) {
	base, err := alloc.allocContiguousInRange(n, lo, hi)
	if err != nil {
		stats.PMMAllocContiguousTotal.WithLabelValues("out_of_memory").Inc()
		return base, err
	}

	stats.PMMAllocContiguousTotal.WithLabelValues("ok").Inc()
	return base, nil
}

// allocContiguousInRange performs a linear scan for n consecutive free
// frames within [lo, hi), starting from the rotating allocation hint instead
// of lo whenever the hint falls inside the range. A second pass from lo to
// the hint runs if the first pass comes up empty, mirroring AllocFrame's
// two-pass hinted scan. The scan reserves atomically: a failed scan
// reserves nothing.
func (alloc *BitmapAllocator) allocContiguousInRange(n uint32, lo, hi pmm.Frame) (pmm.Frame, *kernel.Error) {
	if n == 0 {
		return pmm.InvalidFrame, errBadFrame
	}

	hintStart := lo
	if alloc.lastAlloc > lo && alloc.lastAlloc < hi {
		hintStart = alloc.lastAlloc
	}

	if base, ok := alloc.scanContiguousFree(n, hintStart, hi); ok {
		alloc.lastAlloc = base + pmm.Frame(n)
		return base, nil
	}
	if hintStart > lo {
		if base, ok := alloc.scanContiguousFree(n, lo, hintStart); ok {
			alloc.lastAlloc = base + pmm.Frame(n)
			return base, nil
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// scanContiguousFree walks every pool overlapping [lo, hi) for a run of n
// consecutive free frames, reserving and returning the base frame.
func (alloc *BitmapAllocator) scanContiguousFree(n uint32, lo, hi pmm.Frame) (pmm.Frame, bool) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n || pool.endFrame < lo || pool.startFrame >= hi {
			continue
		}

		scanStart := pool.startFrame
		if lo > scanStart {
			scanStart = lo
		}
		scanEnd := pool.endFrame
		if hi-1 < scanEnd {
			scanEnd = hi - 1
		}

		var runStart pmm.Frame
		runLen := uint32(0)
		for frame := scanStart; frame <= scanEnd; frame++ {
			if pool.isFrameFree(frame) {
				if runLen == 0 {
					runStart = frame
				}
				runLen++
				if runLen == n {
					for f := runStart; f < runStart+pmm.Frame(n); f++ {
						alloc.markFrame(poolIndex, f, markReserved)
					}
					alloc.publishStats()
					return runStart, true
				}
			} else {
				runLen = 0
			}
		}
	}

	return pmm.InvalidFrame, false
}

// FreeFrame clears the reservation for frame, decrementing used_count.
// Freeing a frame outside any known pool, or one that is already free, is
// reported as an error but does not panic.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBadFrame
	}

	if alloc.pools[poolIndex].isFrameFree(frame) {
		return errDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	alloc.publishStats()
	return nil
}

// FreeFrames clears the reservation for the n frames starting at base. It
// corresponds to the bitmap PMM's free_contiguous operation. Frames are
// freed left to right; the first double-free or out-of-range frame aborts
// the call and is reported, leaving already-freed frames free.
func (alloc *BitmapAllocator) FreeFrames(base pmm.Frame, n uint32) *kernel.Error {
	for frame := base; frame < base+pmm.Frame(n); frame++ {
		if err := alloc.FreeFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// earlyAllocFrame is a helper that delegates a frame allocation request to
// the early allocator instance. This function is passed as an argument to
// vmm.SetFrameAllocator instead of earlyAllocator.AllocFrame. The latter
// confuses the compiler's escape analysis into thinking that
// earlyAllocator.Frame escapes to heap.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// Init sets up the kernel physical memory allocation sub-system.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame)
	if err := FrameAllocator.init(); err != nil {
		return err
	}

	vmm.SetContiguousFrameAllocator(FrameAllocator.AllocFrames)
	vmm.SetRangedFrameAllocator(FrameAllocator.AllocFramesInRange)
	vmm.SetFrameFreer(FrameAllocator.FreeFrame)
	vmm.SetFramesFreer(FrameAllocator.FreeFrames)
	return nil
}
