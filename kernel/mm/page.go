package mm

import "math"

// Frame is the index of a physical page; frame f starts at physical address
// f << PageShift.
type Frame uintptr

// InvalidFrame is the frame value that allocators return alongside an error.
const InvalidFrame = Frame(math.MaxUint64)

func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in the frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// Page is the index of a virtual page; page p starts at virtual address
// p << PageShift.
type Page uintptr

// Address returns the virtual address of the first byte in the page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}
