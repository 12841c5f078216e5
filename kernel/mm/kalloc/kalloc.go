// Package kalloc assembles the memory core and exposes the two allocation
// surfaces used by the rest of the kernel: whole pages through AllocPages and
// FreePages and variable-size blocks through Malloc, Free, Calloc and Realloc.
//
// All allocator state lives in package-level variables so that Init can run
// before the Go runtime allocator is available.
package kalloc

import (
	"kmem/kernel"
	"kmem/kernel/cpu"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/heap"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/mm/vmm"
	"kmem/kernel/sync"
)

const (
	// maxPhysMemory is the amount of physical memory that the static frame
	// bitmap can track. Frames above it are left unmanaged.
	maxPhysMemory = 16 * mm.Gb

	// frameBitmapWords reserves one extra word per pool for the padding
	// of each pool's last word.
	frameBitmapWords = uint64(maxPhysMemory)>>mm.PageShift>>6 + pmm.MaxPools

	// maxDynamicRegionPages bounds the size of the dynamic region (256M).
	maxDynamicRegionPages = 1 << 16
)

var (
	// The following variables are overridden by tests.
	activePDTFn        = cpu.ActivePDT
	physToVirtFn       func(uintptr) uintptr
	flushTLBEntryFn    func(uintptr)
	dynamicRegionStart = uintptr(0xffff_8800_0000_0000)
	dynamicRegionPages = uint32(maxDynamicRegionPages)
	heapConfig         heap.Config

	frameBitmap   [frameBitmapWords]uint64
	dynamicBitmap [maxDynamicRegionPages >> 6]uint64

	frameAllocator pmm.BitmapAllocator
	mapper         vmm.Mapper
	allocLock      sync.Lock
	kernelHeap     heap.Heap

	errDynamicRegionTooLarge = &kernel.Error{Module: "kalloc", Message: "dynamic region exceeds the static bitmap capacity"}
)

// Init sets up the memory core using the available regions reported by the
// bootloader. The frames occupied by the kernel image in
// [kernelStart, kernelEnd) and the active top-level page table are reserved
// before any allocation takes place. The active page table is adopted by the
// mapper so the existing kernel mappings remain in place.
func Init(regions []mm.MemRegion, kernelStart, kernelEnd uintptr) *kernel.Error {
	if dynamicRegionPages > maxDynamicRegionPages {
		return errDynamicRegionTooLarge
	}

	if err := frameAllocator.Init(regions, frameBitmap[:]); err != nil {
		return err
	}

	if kernelEnd > kernelStart {
		startFrame := mm.FrameFromAddress(kernelStart)
		endFrame := mm.FrameFromAddress(kernelEnd + mm.PageSize - 1)
		frameAllocator.ReserveFrames(startFrame, uint32(endFrame-startFrame))
	}

	rootFrame := mm.FrameFromAddress(activePDTFn())
	frameAllocator.ReserveFrames(rootFrame, 1)

	if err := mapper.Init(vmm.Config{
		FrameAllocator:      &frameAllocator,
		RootFrame:           rootFrame,
		DynamicRegionStart:  dynamicRegionStart,
		DynamicRegionPages:  dynamicRegionPages,
		DynamicRegionBitmap: dynamicBitmap[:],
		PhysToVirt:          physToVirtFn,
		FlushTLBEntry:       flushTLBEntryFn,
	}); err != nil {
		return err
	}

	allocLock.Init("alloc")
	return kernelHeap.Init(&mapper, &allocLock, heapConfig)
}

// AllocPages maps count zeroed pages into the dynamic region and returns the
// address of the first one.
func AllocPages(count uint32) (uintptr, *kernel.Error) {
	return mapper.NewPages(count)
}

// FreePages releases count pages previously returned by AllocPages.
func FreePages(addr uintptr, count uint32) {
	mapper.FreePages(addr, count)
}

// Malloc returns a 16-byte aligned block of at least size bytes.
func Malloc(size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Allocate(size)
}

// Free releases a block returned by Malloc, Calloc or Realloc.
func Free(ptr uintptr) {
	kernelHeap.Free(ptr)
}

// Calloc returns a zero-filled block for count items of size bytes each.
func Calloc(count, size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Calloc(count, size)
}

// Realloc resizes the block at ptr to at least size bytes.
func Realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Realloc(ptr, size)
}

// PrintStats outputs the frame, page and heap usage.
func PrintStats() {
	frameAllocator.PrintMemoryMap()

	start, end := mapper.DynamicRegion()
	kfmt.Printf("[vmm] dynamic region: [0x%16x - 0x%16x], mapped pages: %d, free pages: %d\n",
		start, end, mapper.MappedDynamicPages(), mapper.FreeDynamicPages(),
	)

	stats := kernelHeap.Stats()
	kfmt.Printf("[heap] segments: %d, pages: %d, in use: %d bytes, free: %d bytes, allocs: %d, frees: %d, failed: %d\n",
		stats.Segments, stats.Pages, stats.InUseBytes, stats.FreeBytes,
		stats.Allocs, stats.Frees, stats.FailedAllocs,
	)
}
