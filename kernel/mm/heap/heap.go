// Package heap implements the general-purpose kernel allocator. The heap
// carves variable-size blocks out of page runs that it obtains from an
// mm.PageSource and serializes every state transition with an injected
// Locker.
//
// Free blocks are kept in a single address-ordered list and requests are
// served first fit. A block is split when the remainder can hold a header and
// a minimal payload. Freed blocks are coalesced with both physical neighbours
// and a segment is returned to the page source as soon as it becomes entirely
// free. Requests larger than Config.LargeThreshold always get a segment of
// their own so that their pages are released as soon as they are freed.
package heap

import (
	"math"
	"unsafe"

	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
)

const (
	// DefaultGrowPages is the minimum number of pages requested from the
	// page source when the heap runs out of free blocks.
	DefaultGrowPages = 4

	// DefaultLargeThreshold is the request size above which allocations
	// get a dedicated segment.
	DefaultLargeThreshold = mm.PageSize / 2

	// maxPages bounds the size of a single segment.
	maxPages = math.MaxUint32
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errNotInitialized = &kernel.Error{Module: "heap", Message: "heap used before Init"}
	errNoPageSource   = &kernel.Error{Module: "heap", Message: "no page source supplied"}
	errNoLocker       = &kernel.Error{Module: "heap", Message: "no locker supplied"}
	errCorruptHeader  = &kernel.Error{Module: "heap", Message: "corrupt block header"}
	errDoubleFree     = &kernel.Error{Module: "heap", Message: "double free"}
	errBadPointer     = &kernel.Error{Module: "heap", Message: "pointer was not returned by the heap"}
)

// Locker is implemented by the mutual-exclusion primitive that brackets all
// heap state transitions. Implementations must never allocate heap memory.
type Locker interface {
	Acquire()
	Release()
}

// Config contains the tunables for a Heap. Zero values select the defaults.
type Config struct {
	// GrowPages is the minimum number of pages requested from the page
	// source when no free block can satisfy a request.
	GrowPages uint32

	// LargeThreshold is the request size in bytes above which an
	// allocation is served from a dedicated segment.
	LargeThreshold uintptr
}

// Heap is a general-purpose allocator backed by a page source.
type Heap struct {
	source mm.PageSource
	lock   Locker
	cfg    Config

	initialized bool

	// freeHead is the lowest-addressed free block.
	freeHead uintptr

	// segHead is the lowest-addressed segment.
	segHead uintptr

	stats Stats
}

// Init prepares the heap for use. No pages are requested until the first
// allocation.
func (h *Heap) Init(source mm.PageSource, lock Locker, cfg Config) *kernel.Error {
	switch {
	case source == nil:
		return errNoPageSource
	case lock == nil:
		return errNoLocker
	}

	if cfg.GrowPages == 0 {
		cfg.GrowPages = DefaultGrowPages
	}
	if cfg.LargeThreshold == 0 {
		cfg.LargeThreshold = DefaultLargeThreshold
	}

	*h = Heap{
		source:      source,
		lock:        lock,
		cfg:         cfg,
		initialized: true,
	}
	return nil
}

// acquire locks the heap after checking that it has been initialized.
func (h *Heap) acquire() bool {
	if !h.initialized {
		panicFn(errNotInitialized)
		return false
	}

	h.lock.Acquire()
	return true
}

// Allocate returns the address of a block of at least size bytes aligned to
// 16 bytes. A zero size is served as a 1-byte request. If no free block fits,
// the heap grows by at least Config.GrowPages pages; kernel.ErrOutOfMemory is
// returned if the page source cannot supply them.
func (h *Heap) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if !h.acquire() {
		return 0, errNotInitialized
	}
	defer h.lock.Release()

	return h.allocate(size)
}

// Free releases a block returned by Allocate, Calloc or Realloc. Freeing 0 is
// a no-op. Freeing a block twice or a pointer whose header fails validation
// halts the kernel.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	if !h.acquire() {
		return
	}
	defer h.lock.Release()

	if b := h.usedBlock(ptr); b != nil {
		h.free(b)
	}
}

// Calloc allocates a zero-filled block for count items of size bytes each.
// It returns kernel.ErrOutOfMemory if count*size overflows.
func (h *Heap) Calloc(count, size uintptr) (uintptr, *kernel.Error) {
	if size != 0 && count > ^uintptr(0)/size {
		return 0, kernel.ErrOutOfMemory
	}

	if !h.acquire() {
		return 0, errNotInitialized
	}
	defer h.lock.Release()

	ptr, err := h.allocate(count * size)
	if err != nil {
		return 0, err
	}

	kernel.Memset(ptr, 0, count*size)
	return ptr, nil
}

// Realloc resizes the block at ptr to at least size bytes and returns its
// new address; the contents up to the smaller of the two sizes are
// preserved. The block is resized in place when it is already large enough or
// when it can absorb a free block that follows it. Realloc(0, size) behaves
// like Allocate and Realloc(ptr, 0) frees ptr and returns 0. On failure the
// original block is left untouched.
func (h *Heap) Realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	if !h.acquire() {
		return 0, errNotInitialized
	}
	defer h.lock.Release()

	if ptr == 0 {
		return h.allocate(size)
	}

	b := h.usedBlock(ptr)
	if b == nil {
		return 0, errBadPointer
	}

	if size == 0 {
		h.free(b)
		return 0, nil
	}

	if size > maxRequest() {
		return 0, kernel.ErrOutOfMemory
	}

	need := blockSizeFor(size)
	if b.size >= need {
		return ptr, nil
	}

	if nb := physBlock(b.nextPhys()); nb != nil && nb.isFree() && b.size+nb.size >= need {
		h.removeFree(nb)
		h.stats.FreeBytes -= nb.size
		h.stats.InUseBytes += nb.size
		b.size += nb.size
		b.seal(blockMagicUsed)
		if after := b.nextPhys(); after != 0 {
			blockAt(after).prevPhys = b.addr()
		}
		h.splitTail(b, need)
		return ptr, nil
	}

	newPtr, err := h.allocate(size)
	if err != nil {
		return 0, err
	}

	kernel.Memcopy(ptr, newPtr, b.size-blockHeaderSize)
	h.free(b)
	return newPtr, nil
}

// Grow requests pages from the page source and adds them to the heap as a
// free segment. It returns the address of the page run. Grow allows callers
// to pre-populate the heap before it is first used.
func (h *Heap) Grow(pages uint32) (uintptr, *kernel.Error) {
	if !h.acquire() {
		return 0, errNotInitialized
	}
	defer h.lock.Release()

	b, err := h.grow(uintptr(pages))
	if err != nil {
		return 0, err
	}
	return b.segment, nil
}

// maxRequest returns the largest request that fits into a single segment.
func maxRequest() uintptr {
	return uintptr(maxPages)<<mm.PageShift - segmentHeaderSize - blockHeaderSize
}

func (h *Heap) allocate(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		size = 1
	}

	if size > maxRequest() {
		h.stats.FailedAllocs++
		return 0, kernel.ErrOutOfMemory
	}

	need := blockSizeFor(size)

	var b *blockHeader
	if size <= h.cfg.LargeThreshold {
		b = h.findFit(need)
	}

	if b == nil {
		pages := pagesFor(need)
		if size <= h.cfg.LargeThreshold && pages < uintptr(h.cfg.GrowPages) {
			pages = uintptr(h.cfg.GrowPages)
		}

		var err *kernel.Error
		if b, err = h.grow(pages); err != nil {
			h.stats.FailedAllocs++
			return 0, err
		}
	}

	h.take(b, need, size <= h.cfg.LargeThreshold)
	h.stats.Allocs++
	return b.payload(), nil
}

// findFit returns the lowest-addressed free block of at least need bytes.
func (h *Heap) findFit(need uintptr) *blockHeader {
	for addr := h.freeHead; addr != 0; addr = blockAt(addr).nextFree {
		b := blockAt(addr)
		if !b.valid() || !b.isFree() {
			panicFn(errCorruptHeader)
			return nil
		}

		if b.size >= need {
			return b
		}
	}

	return nil
}

// take removes b from the free list, marks it as used and splits off the
// tail when split is true and the remainder is large enough.
func (h *Heap) take(b *blockHeader, need uintptr, split bool) {
	h.removeFree(b)
	b.seal(blockMagicUsed)
	h.stats.FreeBytes -= b.size
	h.stats.InUseBytes += b.size

	if split {
		h.splitTail(b, need)
	}
}

// splitTail shrinks the used block b to need bytes and turns the remainder
// into a free block if it is large enough. The block that follows the
// remainder must be in use.
func (h *Heap) splitTail(b *blockHeader, need uintptr) {
	if b.size-need < minSplitSize {
		return
	}

	tail := blockAt(b.addr() + need)
	*tail = blockHeader{
		size:     b.size - need,
		prevPhys: b.addr(),
		segment:  b.segment,
	}
	tail.seal(blockMagicFree)

	b.size = need
	b.seal(blockMagicUsed)

	if next := tail.nextPhys(); next != 0 {
		blockAt(next).prevPhys = tail.addr()
	}

	h.stats.InUseBytes -= tail.size
	h.stats.FreeBytes += tail.size
	h.insertFree(tail)
}

// free marks b as free, merges it with free physical neighbours and releases
// its segment if the segment no longer contains any used block.
func (h *Heap) free(b *blockHeader) {
	b.seal(blockMagicFree)
	h.stats.InUseBytes -= b.size
	h.stats.FreeBytes += b.size
	h.stats.Frees++

	if nb := physBlock(b.nextPhys()); nb != nil && nb.isFree() {
		h.removeFree(nb)
		b.size += nb.size
		b.seal(blockMagicFree)
		if after := b.nextPhys(); after != 0 {
			blockAt(after).prevPhys = b.addr()
		}
	}

	if pb := physBlock(b.prevPhys); pb != nil && pb.isFree() {
		pb.size += b.size
		pb.seal(blockMagicFree)
		if after := pb.nextPhys(); after != 0 {
			blockAt(after).prevPhys = pb.addr()
		}
		b = pb
	} else {
		h.insertFree(b)
	}

	seg := segmentAt(b.segment)
	if b.prevPhys == 0 && b.size == seg.usableSize() {
		h.removeFree(b)
		h.stats.FreeBytes -= b.size
		h.releaseSegment(seg)
	}
}

// physBlock validates the header of the block at addr and returns it. It
// returns nil for a zero address.
func physBlock(addr uintptr) *blockHeader {
	if addr == 0 {
		return nil
	}

	b := blockAt(addr)
	if !b.valid() {
		panicFn(errCorruptHeader)
		return nil
	}
	return b
}

// usedBlock validates the header of the block that ptr points into and
// returns it. Validation failures halt the kernel.
func (h *Heap) usedBlock(ptr uintptr) *blockHeader {
	if ptr&(blockAlign-1) != 0 || ptr < blockHeaderSize {
		panicFn(errBadPointer)
		return nil
	}

	b := blockAt(ptr - blockHeaderSize)
	switch {
	case !b.valid():
		panicFn(errCorruptHeader)
		return nil
	case b.isFree():
		panicFn(errDoubleFree)
		return nil
	case segmentAt(b.segment).magic != segmentMagic:
		panicFn(errCorruptHeader)
		return nil
	}

	return b
}

// grow obtains a run of pages from the page source, formats it as a segment
// containing a single free block and returns that block.
func (h *Heap) grow(pages uintptr) (*blockHeader, *kernel.Error) {
	if pages == 0 || pages > maxPages {
		return nil, kernel.ErrOutOfMemory
	}

	addr, err := h.source.NewPages(uint32(pages))
	if err != nil {
		return nil, err
	}

	seg := segmentAt(addr)
	*seg = segmentHeader{magic: segmentMagic, pages: uint64(pages)}
	h.insertSegment(seg)

	b := blockAt(addr + segmentHeaderSize)
	*b = blockHeader{
		size:    seg.usableSize(),
		segment: addr,
	}
	b.seal(blockMagicFree)
	h.insertFree(b)
	h.stats.FreeBytes += b.size
	return b, nil
}

// releaseSegment unlinks seg and returns its pages to the page source.
func (h *Heap) releaseSegment(seg *segmentHeader) {
	addr := uintptr(unsafe.Pointer(seg))
	if seg.prev != 0 {
		segmentAt(seg.prev).next = seg.next
	} else {
		h.segHead = seg.next
	}
	if seg.next != 0 {
		segmentAt(seg.next).prev = seg.prev
	}

	pages := uint32(seg.pages)
	h.stats.Segments--
	h.stats.Pages -= pages

	// Make stale pointers into the released segment fail validation.
	seg.magic = 0
	h.source.FreePages(addr, pages)
}

func (h *Heap) insertSegment(seg *segmentHeader) {
	addr := uintptr(unsafe.Pointer(seg))

	var prev uintptr
	next := h.segHead
	for next != 0 && next < addr {
		prev, next = next, segmentAt(next).next
	}

	seg.prev, seg.next = prev, next
	if prev != 0 {
		segmentAt(prev).next = addr
	} else {
		h.segHead = addr
	}
	if next != 0 {
		segmentAt(next).prev = addr
	}

	h.stats.Segments++
	h.stats.Pages += uint32(seg.pages)
}

// insertFree links b into the free list keeping it sorted by address.
func (h *Heap) insertFree(b *blockHeader) {
	addr := b.addr()

	var prev uintptr
	next := h.freeHead
	for next != 0 && next < addr {
		prev, next = next, blockAt(next).nextFree
	}

	b.prevFree, b.nextFree = prev, next
	if prev != 0 {
		blockAt(prev).nextFree = addr
	} else {
		h.freeHead = addr
	}
	if next != 0 {
		blockAt(next).prevFree = addr
	}
}

func (h *Heap) removeFree(b *blockHeader) {
	if b.prevFree != 0 {
		blockAt(b.prevFree).nextFree = b.nextFree
	} else {
		h.freeHead = b.nextFree
	}
	if b.nextFree != 0 {
		blockAt(b.nextFree).prevFree = b.prevFree
	}
	b.prevFree, b.nextFree = 0, 0
}
