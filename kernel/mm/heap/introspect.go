package heap

import "kmem/kernel"

var (
	errSegmentList = &kernel.Error{Module: "heap", Message: "segment list is inconsistent"}
	errBlockChain  = &kernel.Error{Module: "heap", Message: "block chain is inconsistent"}
	errFreeList    = &kernel.Error{Module: "heap", Message: "free list is inconsistent"}
	errUncoalesced = &kernel.Error{Module: "heap", Message: "adjacent free blocks were not coalesced"}
	errAccounting  = &kernel.Error{Module: "heap", Message: "byte accounting does not match the block chain"}
)

// Stats describes the heap state.
type Stats struct {
	// Segments is the number of page runs owned by the heap and Pages
	// their total size in pages.
	Segments uint32
	Pages    uint32

	// InUseBytes and FreeBytes are the total sizes, headers included, of
	// the allocated and free blocks.
	InUseBytes uintptr
	FreeBytes  uintptr

	Allocs       uint64
	Frees        uint64
	FailedAllocs uint64
}

// Stats returns a snapshot of the heap statistics.
func (h *Heap) Stats() Stats {
	if !h.acquire() {
		return Stats{}
	}
	defer h.lock.Release()

	return h.stats
}

// UsableSize returns the number of payload bytes available in the block at
// ptr. It may exceed the size originally requested.
func (h *Heap) UsableSize(ptr uintptr) uintptr {
	if !h.acquire() {
		return 0
	}
	defer h.lock.Release()

	b := h.usedBlock(ptr)
	if b == nil {
		return 0
	}
	return b.size - blockHeaderSize
}

// FreeBlockVisitor is invoked by VisitFreeBlocks with the address and the
// size, header included, of each free block. The visitor must return true to
// continue or false to abort the scan.
type FreeBlockVisitor func(addr, size uintptr) bool

// VisitFreeBlocks invokes visitor for each free block in address order. The
// visitor must not call back into the heap.
func (h *Heap) VisitFreeBlocks(visitor FreeBlockVisitor) {
	if !h.acquire() {
		return
	}
	defer h.lock.Release()

	for addr := h.freeHead; addr != 0; addr = blockAt(addr).nextFree {
		if !visitor(addr, blockAt(addr).size) {
			return
		}
	}
}

// BlockVisitor is invoked by VisitBlocks for each block. The visitor must
// return true to continue or false to abort the scan.
type BlockVisitor func(segment, addr, size uintptr, free bool) bool

// VisitBlocks invokes visitor for every block of every segment in address
// order. The visitor must not call back into the heap.
func (h *Heap) VisitBlocks(visitor BlockVisitor) {
	if !h.acquire() {
		return
	}
	defer h.lock.Release()

	for segAddr := h.segHead; segAddr != 0; segAddr = segmentAt(segAddr).next {
		for addr := segAddr + segmentHeaderSize; addr != 0; addr = blockAt(addr).nextPhys() {
			b := blockAt(addr)
			if !visitor(segAddr, addr, b.size, b.isFree()) {
				return
			}
		}
	}
}

// Check walks every segment and block and verifies the heap invariants:
// valid headers, blocks tiling each segment exactly, no two adjacent free
// blocks, an address-ordered free list containing exactly the free blocks and
// statistics that match the block chain. It returns the first violation found.
func (h *Heap) Check() *kernel.Error {
	if !h.acquire() {
		return errNotInitialized
	}
	defer h.lock.Release()

	var (
		segments, pages, freeBlocks uint32
		inUse, free                 uintptr
		prevSeg                     uintptr
	)

	for segAddr := h.segHead; segAddr != 0; prevSeg, segAddr = segAddr, segmentAt(segAddr).next {
		seg := segmentAt(segAddr)
		if seg.magic != segmentMagic || seg.prev != prevSeg || (prevSeg != 0 && segAddr <= prevSeg) {
			return errSegmentList
		}
		segments++
		pages += uint32(seg.pages)

		var (
			covered     uintptr
			prevBlock   uintptr
			prevWasFree bool
			segEnd      = seg.end()
			blockAddr   = segAddr + segmentHeaderSize
		)
		for blockAddr < segEnd {
			b := blockAt(blockAddr)
			if !b.valid() || b.segment != segAddr || b.prevPhys != prevBlock ||
				b.size < minSplitSize || b.size&(blockAlign-1) != 0 || blockAddr+b.size > segEnd {
				return errBlockChain
			}

			if b.isFree() {
				if prevWasFree {
					return errUncoalesced
				}
				free += b.size
				freeBlocks++
			} else {
				inUse += b.size
			}

			covered += b.size
			prevWasFree = b.isFree()
			prevBlock = blockAddr
			blockAddr += b.size
		}

		if covered != seg.usableSize() {
			return errBlockChain
		}
	}

	var (
		listed   uint32
		prevFree uintptr
	)
	for addr := h.freeHead; addr != 0; prevFree, addr = addr, blockAt(addr).nextFree {
		b := blockAt(addr)
		if !b.valid() || !b.isFree() || b.prevFree != prevFree || (prevFree != 0 && addr <= prevFree) {
			return errFreeList
		}
		if listed++; listed > freeBlocks {
			return errFreeList
		}
	}

	switch {
	case listed != freeBlocks:
		return errFreeList
	case segments != h.stats.Segments || pages != h.stats.Pages ||
		inUse != h.stats.InUseBytes || free != h.stats.FreeBytes:
		return errAccounting
	}

	return nil
}
