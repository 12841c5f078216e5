package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls which gives
// us a speed boost as page addresses are always aligned.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The regions may overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 || src == dst {
		return
	}

	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)

	copy(dstSlice, srcSlice)
}
