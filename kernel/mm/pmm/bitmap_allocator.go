// Package pmm implements the physical memory manager: the owner of the
// inventory of physical page frames.
package pmm

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
)

// MaxPools is the maximum number of available memory regions that a
// BitmapAllocator can track.
const MaxPools = 32

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errEmptyMemoryMap     = &kernel.Error{Module: "pmm", Message: "boot memory map contains no usable frames"}
	errOverlappingRegions = &kernel.Error{Module: "pmm", Message: "boot memory map contains overlapping regions"}
	errTooManyRegions     = &kernel.Error{Module: "pmm", Message: "boot memory map contains too many regions"}
	errBitmapTooSmall     = &kernel.Error{Module: "pmm", Message: "bitmap storage cannot track any frame"}
	errZeroFrameCount     = &kernel.Error{Module: "pmm", Message: "request for zero frames"}
	errFrameNotManaged    = &kernel.Error{Module: "pmm", Message: "frame range not managed by any pool"}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "double free of physical frame"}
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the first frame past the end of the pool.
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip pools that cannot satisfy a request
	// without scanning the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap mm.Bitmap
}

func (p *framePool) frameCount() uint32 {
	return uint32(p.endFrame - p.startFrame)
}

func (p *framePool) contains(frame mm.Frame) bool {
	return frame >= p.startFrame && frame < p.endFrame
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Allocation
// requests are served from the lowest-addressed run of free frames that fits
// (first fit); a run never spans two pools.
//
// BitmapAllocator is not internally synchronized. Callers must serialize
// access, for example by disabling interrupts around calls that might also be
// issued by an interrupt handler.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	poolCount int
	pools     [MaxPools]framePool
}

// RequiredBitmapWords returns the number of bitmap words that Init needs for
// tracking the supplied memory regions.
func RequiredBitmapWords(regions []mm.MemRegion) uint32 {
	var words uint32
	for _, region := range regions {
		words += mm.BitmapWords(region.FrameCount())
	}
	return words
}

// Init sets up one pool for each region with at least one whole frame. The
// pool bitmaps are carved out of the caller-supplied bitmap storage. Frames
// that do not fit in a storage smaller than RequiredBitmapWords(regions) words
// are left unmanaged, starting from the highest address. All managed frames
// start out free.
func (alloc *BitmapAllocator) Init(regions []mm.MemRegion, bitmap mm.Bitmap) *kernel.Error {
	*alloc = BitmapAllocator{}

	for _, region := range regions {
		if region.FrameCount() == 0 {
			continue
		}

		if alloc.poolCount == MaxPools {
			return errTooManyRegions
		}

		// Keep pools sorted by start frame so that scanning them in order
		// yields the lowest-addressed run.
		insertAt := alloc.poolCount
		for insertAt > 0 && alloc.pools[insertAt-1].startFrame > region.StartFrame() {
			alloc.pools[insertAt] = alloc.pools[insertAt-1]
			insertAt--
		}
		alloc.pools[insertAt] = framePool{
			startFrame: region.StartFrame(),
			endFrame:   region.EndFrame(),
		}
		alloc.poolCount++
	}

	if alloc.poolCount == 0 {
		return errEmptyMemoryMap
	}

	for i := 1; i < alloc.poolCount; i++ {
		if alloc.pools[i-1].endFrame > alloc.pools[i].startFrame {
			return errOverlappingRegions
		}
	}

	var nextWord, ignoredFrames uint32
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		frames := pool.frameCount()
		words := mm.BitmapWords(frames)

		// Pools are sorted so running out of storage drops the highest
		// frames: the current pool is truncated to the words left and the
		// pools after it are discarded.
		if avail := uint32(len(bitmap)) - nextWord; words > avail {
			ignoredFrames += frames - avail<<6
			frames, words = avail<<6, avail
			pool.endFrame = pool.startFrame + mm.Frame(frames)
		}
		if frames == 0 {
			for j := i + 1; j < alloc.poolCount; j++ {
				ignoredFrames += alloc.pools[j].frameCount()
			}
			alloc.poolCount = i
			break
		}

		pool.freeBitmap = bitmap[nextWord : nextWord+words : nextWord+words]
		pool.freeBitmap.ClearRange(0, words<<6)

		// Flag the padding bits in the last word as used so that fully
		// reserved words can be detected with a single comparison.
		pool.freeBitmap.SetRange(frames, (words<<6)-frames)

		pool.freeCount = frames
		alloc.totalPages += frames
		nextWord += words
	}

	if ignoredFrames != 0 {
		kfmt.Printf("[pmm] bitmap storage exhausted; ignoring %d frames\n", ignoredFrames)
	}

	if alloc.poolCount == 0 {
		*alloc = BitmapAllocator{}
		return errBitmapTooSmall
	}

	return nil
}

// AllocFrames reserves count contiguous free frames and returns the first one.
// It returns kernel.ErrOutOfMemory if no pool contains a free run of the
// requested length.
func (alloc *BitmapAllocator) AllocFrames(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		panicFn(errZeroFrameCount)
		return mm.InvalidFrame, errZeroFrameCount
	}

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if pool.freeCount < count {
			continue
		}

		index, found := pool.freeBitmap.FindClearRun(pool.frameCount(), count)
		if !found {
			continue
		}

		pool.freeBitmap.SetRange(index, count)
		pool.freeCount -= count
		alloc.reservedPages += count
		return pool.startFrame + mm.Frame(index), nil
	}

	return mm.InvalidFrame, kernel.ErrOutOfMemory
}

// AllocFrame reserves a single free frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrames(1)
}

// FreeFrames releases count frames starting at base. The whole range is
// validated before any frame is released: releasing a frame that is not
// managed by the allocator or that is already free halts the kernel.
func (alloc *BitmapAllocator) FreeFrames(base mm.Frame, count uint32) {
	if count == 0 {
		panicFn(errZeroFrameCount)
		return
	}

	pool := alloc.poolForFrame(base)
	if pool == nil || base+mm.Frame(count) > pool.endFrame || base+mm.Frame(count) < base {
		panicFn(errFrameNotManaged)
		return
	}

	index := uint32(base - pool.startFrame)
	if !pool.freeBitmap.RangeSet(index, count) {
		panicFn(errDoubleFree)
		return
	}

	pool.freeBitmap.ClearRange(index, count)
	pool.freeCount += count
	alloc.reservedPages -= count
}

// FreeFrame releases a single frame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	alloc.FreeFrames(frame, 1)
}

// ReserveFrames flags count frames starting at base as allocated. It is used
// for marking frames that are occupied by the kernel image or by boot-time
// structures. Frames outside any pool and frames that are already reserved
// are ignored.
func (alloc *BitmapAllocator) ReserveFrames(base mm.Frame, count uint32) {
	for frame := base; frame < base+mm.Frame(count); frame++ {
		pool := alloc.poolForFrame(frame)
		if pool == nil {
			continue
		}

		index := uint32(frame - pool.startFrame)
		if pool.freeBitmap.IsSet(index) {
			continue
		}

		pool.freeBitmap.Set(index)
		pool.freeCount--
		alloc.reservedPages++
	}
}

// IsReserved reports whether frame is currently allocated. The second return
// value is false if the frame is not managed by the allocator.
func (alloc *BitmapAllocator) IsReserved(frame mm.Frame) (reserved, managed bool) {
	pool := alloc.poolForFrame(frame)
	if pool == nil {
		return false, false
	}

	return pool.freeBitmap.IsSet(uint32(frame - pool.startFrame)), true
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalPages
}

// FreeFrameCount returns the number of frames available for allocation.
func (alloc *BitmapAllocator) FreeFrameCount() uint32 {
	return alloc.totalPages - alloc.reservedPages
}

// ReservedFrameCount returns the number of allocated frames.
func (alloc *BitmapAllocator) ReservedFrameCount() uint32 {
	return alloc.reservedPages
}

// PoolVisitor is invoked by VisitPools for each pool. The visitor must return
// true to continue or false to abort the scan.
type PoolVisitor func(startFrame, endFrame mm.Frame, freeCount uint32, bitmap mm.Bitmap) bool

// VisitPools invokes visitor for each pool in ascending frame order. The
// supplied bitmap must be treated as read-only.
func (alloc *BitmapAllocator) VisitPools(visitor PoolVisitor) {
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if !visitor(pool.startFrame, pool.endFrame, pool.freeCount, pool.freeBitmap) {
			return
		}
	}
}

// PrintMemoryMap outputs the pool layout and the frame usage.
func (alloc *BitmapAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		kfmt.Printf("\t[0x%10x - 0x%10x], frames: %10d, free: %10d\n",
			pool.startFrame.Address(),
			pool.endFrame.Address(),
			pool.frameCount(),
			pool.freeCount,
		)
	}

	kfmt.Printf("[pmm] free memory: %dKb, reserved: %dKb\n",
		uint64(alloc.FreeFrameCount())*uint64(mm.PageSize>>10),
		uint64(alloc.reservedPages)*uint64(mm.PageSize>>10),
	)
}

// poolForFrame returns the pool that contains frame or nil.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) *framePool {
	for i := 0; i < alloc.poolCount; i++ {
		if alloc.pools[i].contains(frame) {
			return &alloc.pools[i]
		}
	}
	return nil
}
