package heap

import (
	"unsafe"

	"kmem/kernel/mm"
)

const (
	// blockAlign is the alignment of every block and payload address.
	blockAlign = uintptr(16)

	blockMagicUsed = uint32(0xa110c8ed)
	blockMagicFree = uint32(0xf4eeb10c)
	segmentMagic   = uint64(0x5e6d6e74c0ffee00)

	checksumMul = uint64(0x9e3779b97f4a7c15)
)

const (
	segmentHeaderSize = unsafe.Sizeof(segmentHeader{})
	blockHeaderSize   = unsafe.Sizeof(blockHeader{})

	// minSplitSize is the smallest remainder that gets split off a block:
	// a header plus the smallest payload.
	minSplitSize = blockHeaderSize + blockAlign
)

// segmentHeader is stored at the start of each page run obtained from the
// page source. Segments are kept in an address-ordered list.
type segmentHeader struct {
	magic uint64
	pages uint64
	next  uintptr
	prev  uintptr
}

// blockHeader precedes every block payload. Blocks tile their segment without
// gaps: the block at address b is physically followed by the block at
// b + size until the segment end is reached.
type blockHeader struct {
	magic    uint32
	checksum uint32

	// size is the block size including the header.
	size uintptr

	// prevPhys is the address of the physically preceding block in the
	// same segment or 0 for the first block.
	prevPhys uintptr

	// nextFree and prevFree link free blocks in address order. They are
	// unused while the block is allocated.
	nextFree uintptr
	prevFree uintptr

	// segment is the address of the segment that contains the block.
	segment uintptr
}

func segmentAt(addr uintptr) *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(addr))
}

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// end returns the address past the last byte of the segment.
func (s *segmentHeader) end() uintptr {
	return uintptr(unsafe.Pointer(s)) + uintptr(s.pages)<<mm.PageShift
}

// usableSize returns the number of bytes available for blocks.
func (s *segmentHeader) usableSize() uintptr {
	return uintptr(s.pages)<<mm.PageShift - segmentHeaderSize
}

func (b *blockHeader) computeChecksum() uint32 {
	x := uint64(b.magic) ^ uint64(b.size)*checksumMul ^ uint64(b.segment)
	return uint32(x) ^ uint32(x>>32)
}

// seal sets the magic value and recomputes the checksum. It must be called
// after every change to the fields covered by the checksum.
func (b *blockHeader) seal(magic uint32) {
	b.magic = magic
	b.checksum = b.computeChecksum()
}

func (b *blockHeader) valid() bool {
	return (b.magic == blockMagicUsed || b.magic == blockMagicFree) &&
		b.checksum == b.computeChecksum()
}

func (b *blockHeader) isFree() bool {
	return b.magic == blockMagicFree
}

func (b *blockHeader) addr() uintptr {
	return uintptr(unsafe.Pointer(b))
}

// nextPhys returns the address of the physically following block or 0 if b
// is the last block in its segment.
func (b *blockHeader) nextPhys() uintptr {
	next := b.addr() + b.size
	if next >= segmentAt(b.segment).end() {
		return 0
	}
	return next
}

// payload returns the address handed out to clients.
func (b *blockHeader) payload() uintptr {
	return b.addr() + blockHeaderSize
}

// blockSizeFor returns the block size needed for serving a request of size
// bytes.
func blockSizeFor(size uintptr) uintptr {
	return blockHeaderSize + (size+blockAlign-1)&^(blockAlign-1)
}

// pagesFor returns the number of pages needed for a segment holding a block
// of blockSize bytes.
func pagesFor(blockSize uintptr) uintptr {
	return (segmentHeaderSize + blockSize + mm.PageSize - 1) >> mm.PageShift
}
