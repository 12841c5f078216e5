package mm

// MemRegion describes a contiguous range of physical memory that the boot
// loader reported as available for use.
type MemRegion struct {
	PhysAddress uint64
	Length      uint64
}

// StartFrame returns the first frame fully contained in the region.
// Reported addresses may not be page-aligned so the start is rounded up.
func (r MemRegion) StartFrame() Frame {
	pageSizeMinus1 := uint64(PageSize - 1)
	return Frame(((r.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}

// EndFrame returns the frame that follows the last frame fully contained in
// the region. The end address is rounded down.
func (r MemRegion) EndFrame() Frame {
	return Frame(((r.PhysAddress + r.Length) &^ uint64(PageSize-1)) >> PageShift)
}

// FrameCount returns the number of whole frames contained in the region.
func (r MemRegion) FrameCount() uint32 {
	start, end := r.StartFrame(), r.EndFrame()
	if end <= start {
		return 0
	}
	return uint32(end - start)
}
