package vmm

import (
	"kmem/kernel"
	"kmem/kernel/mm"
)

// ErrInvalidMapping is returned for virtual addresses without a present
// mapping.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

// PageTableEntryFlag is a bit outside the address field of an entry.
type PageTableEntryFlag uintptr

// pageTableEntry is a raw amd64 entry: a frame address in the bits covered by
// ptePhysPageMask and flags everywhere else.
type pageTableEntry uintptr

// HasFlags reports whether every bit of flags is set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return PageTableEntryFlag(pte)&flags == flags
}

// SetFlags ORs flags into the entry; existing flags are kept.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uintptr(pte) & ptePhysPageMask)
}

// SetFrame replaces the address field with the address of frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry(uintptr(*pte)&^ptePhysPageMask | frame.Address())
}
