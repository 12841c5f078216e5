// Package mm defines the types shared by the physical and virtual memory
// managers and the contracts that connect them.
//
// The dependency direction between the memory management packages is fixed:
// pmm implements FrameAllocator, vmm consumes a FrameAllocator and implements
// PageSource, and the heap consumes a PageSource. Neither pmm nor vmm may
// depend on the heap, which is what allows the heap to grow without needing
// heap memory itself.
package mm

import "kmem/kernel"

// FrameAllocator is implemented by physical memory managers that hand out
// runs of contiguous physical frames.
type FrameAllocator interface {
	// AllocFrames reserves count contiguous free frames and returns the
	// first one. It returns kernel.ErrOutOfMemory if no such run exists.
	AllocFrames(count uint32) (Frame, *kernel.Error)

	// FreeFrames releases count frames starting at base. Releasing a frame
	// that is not currently allocated halts the kernel.
	FreeFrames(base Frame, count uint32)
}

// PageSource is implemented by virtual memory managers that hand out runs of
// contiguous, mapped and zeroed pages.
type PageSource interface {
	// NewPages maps count contiguous pages and returns the virtual address
	// of the first one. It returns kernel.ErrOutOfMemory if either virtual
	// address space or physical frames are exhausted; in that case no
	// mapping or frame reservation survives the call.
	NewPages(count uint32) (uintptr, *kernel.Error)

	// FreePages unmaps count pages starting at addr and releases their
	// backing frames.
	FreePages(addr uintptr, count uint32)
}
