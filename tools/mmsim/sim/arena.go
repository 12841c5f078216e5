package sim

import "unsafe"

// arena is a block of host memory whose first usable byte is aligned to a
// power of two. The kernel packages address arenas through raw uintptr
// values, so the backing slice must stay referenced for the arena lifetime.
type arena struct {
	buf  []byte
	base uintptr
	size uintptr
}

func newArena(size, align uintptr) *arena {
	buf := make([]byte, size+align)
	return &arena{
		buf:  buf,
		base: (uintptr(unsafe.Pointer(&buf[0])) + align - 1) &^ (align - 1),
		size: size,
	}
}

// contains reports whether [addr, addr+size) lies inside the arena.
func (a *arena) contains(addr, size uintptr) bool {
	return addr >= a.base && size <= a.size && addr-a.base <= a.size-size
}

// bytes returns a slice aliasing [addr, addr+size) or nil if the range is
// outside the arena.
func (a *arena) bytes(addr, size uintptr) []byte {
	if !a.contains(addr, size) {
		return nil
	}
	start := addr - uintptr(unsafe.Pointer(&a.buf[0]))
	return a.buf[start : start+size : start+size]
}
