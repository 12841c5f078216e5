package vmm

import (
	"kmem/kernel"
	"kmem/kernel/mm"
)

var (
	errUnalignedRegion   = &kernel.Error{Module: "vmm", Message: "dynamic region start is not page-aligned"}
	errRegionBitmapSmall = &kernel.Error{Module: "vmm", Message: "bitmap storage too small for dynamic region"}
	errZeroPageCount     = &kernel.Error{Module: "vmm", Message: "request for zero pages"}
	errPagesNotAllocated = &kernel.Error{Module: "vmm", Message: "page range was not handed out by NewPages"}
)

// dynamicRegion tracks which pages of the virtual address range reserved for
// NewPages are in use.
type dynamicRegion struct {
	start  mm.Page
	pages  uint32
	used   uint32
	bitmap mm.Bitmap
}

func (r *dynamicRegion) init(startAddr uintptr, pages uint32, bitmap mm.Bitmap) *kernel.Error {
	if startAddr&(mm.PageSize-1) != 0 {
		return errUnalignedRegion
	}

	words := mm.BitmapWords(pages)
	if uint32(len(bitmap)) < words {
		return errRegionBitmapSmall
	}

	*r = dynamicRegion{
		start:  mm.PageFromAddress(startAddr),
		pages:  pages,
		bitmap: bitmap[:words:words],
	}
	r.bitmap.ClearRange(0, words<<6)
	r.bitmap.SetRange(pages, (words<<6)-pages)
	return nil
}

func (r *dynamicRegion) end() mm.Page {
	return r.start + mm.Page(r.pages)
}

// overlaps returns true if [start, end) intersects the region.
func (r *dynamicRegion) overlaps(start, end mm.Page) bool {
	return r.pages != 0 && start < r.end() && end > r.start
}

// NewPages finds count contiguous free pages in the dynamic region, backs
// each one with a frame from the frame allocator, maps them as kernel RW
// non-executable pages and clears their contents. It returns the virtual
// address of the first page.
//
// If either the dynamic region or the frame allocator is exhausted, every
// mapping and frame reservation made by the call is undone and
// kernel.ErrOutOfMemory is returned.
func (m *Mapper) NewPages(count uint32) (uintptr, *kernel.Error) {
	if count == 0 {
		panicFn(errZeroPageCount)
		return 0, errZeroPageCount
	}

	index, found := m.region.bitmap.FindClearRun(m.region.pages, count)
	if !found {
		return 0, kernel.ErrOutOfMemory
	}

	m.region.bitmap.SetRange(index, count)
	startPage := m.region.start + mm.Page(index)

	for i := uint32(0); i < count; i++ {
		page := startPage + mm.Page(i)

		frame, err := m.frames.AllocFrames(1)
		if err == nil {
			if err = m.Map(page, frame, FlagPresent|FlagRW|FlagNoExecute); err != nil {
				m.frames.FreeFrames(frame, 1)
			}
		}

		if err != nil {
			m.releasePages(startPage, i)
			m.region.bitmap.ClearRange(index, count)
			return 0, kernel.ErrOutOfMemory
		}

		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	m.region.used += count
	return startPage.Address(), nil
}

// FreePages unmaps count pages starting at addr and returns their frames to
// the frame allocator. The range must have been handed out by NewPages;
// anything else halts the kernel.
func (m *Mapper) FreePages(addr uintptr, count uint32) {
	startPage := mm.PageFromAddress(addr)
	if count == 0 || addr&(mm.PageSize-1) != 0 ||
		startPage < m.region.start || startPage+mm.Page(count) > m.region.end() {
		panicFn(errPagesNotAllocated)
		return
	}

	index := uint32(startPage - m.region.start)
	if !m.region.bitmap.RangeSet(index, count) {
		panicFn(errPagesNotAllocated)
		return
	}

	m.releasePages(startPage, count)
	m.region.bitmap.ClearRange(index, count)
	m.region.used -= count
}

// releasePages unmaps count pages starting at startPage and frees their
// backing frames.
func (m *Mapper) releasePages(startPage mm.Page, count uint32) {
	for page := startPage; page < startPage+mm.Page(count); page++ {
		frame, _, err := m.Lookup(page)
		if err != nil {
			panicFn(err)
			continue
		}

		_ = m.Unmap(page)
		m.frames.FreeFrames(frame, 1)
	}
}

// FreeDynamicPages returns the number of unused pages in the dynamic region.
func (m *Mapper) FreeDynamicPages() uint32 {
	return m.region.pages - m.region.used
}

// MappedDynamicPages returns the number of dynamic region pages that are
// currently handed out.
func (m *Mapper) MappedDynamicPages() uint32 {
	return m.region.used
}

// DynamicRegion returns the virtual address range reserved for NewPages.
func (m *Mapper) DynamicRegion() (start, end uintptr) {
	return m.region.start.Address(), m.region.end().Address()
}

// IntermediateTables returns the number of non-root page tables required for
// mapping every page in [startAddr, startAddr + pages*PageSize).
func IntermediateTables(startAddr uintptr, pages uint32) uint32 {
	if pages == 0 {
		return 0
	}

	var (
		tables  uint32
		lastPos = startAddr + uintptr(pages)*mm.PageSize - 1
	)
	for level := uint8(0); level < pageLevels-1; level++ {
		// Each table at level+1 covers the address span of a single
		// entry at this level.
		shift := levelShift(level)
		tables += uint32((lastPos >> shift) - (startAddr >> shift) + 1)
	}
	return tables
}
