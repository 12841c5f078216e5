package mm

const (
	// PointerShift is log2 of the pointer size.
	PointerShift = uintptr(3)

	// PageShift is log2(PageSize). Frames and pages are addresses shifted
	// right by PageShift.
	PageShift = uintptr(12)
	PageSize  = uintptr(1) << PageShift
)
