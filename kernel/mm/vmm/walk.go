package vmm

import (
	"unsafe"

	"kmem/kernel"
	"kmem/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to intercept the generated page table entry pointers.
	// When compiling the kernel this function will be automatically
	// inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the mapper's root table. It calls the supplied walkFn with the page table
// entry that corresponds to each page table level. The entry is inspected
// after walkFn returns so walkFn may install the next level table. The walk
// stops once walkFn returns false or the entry does not point to a present
// table.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		pte                              *pageTableEntry
	)

	for level, tableAddr = uint8(0), m.physToVirt(m.root.Address()); level < pageLevels; level++ {
		entryIndex = tableIndex(virtAddr, level)
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)
		pte = (*pageTableEntry)(ptePtrFn(entryAddr))

		if !walkFn(level, pte) {
			return
		}

		if level == pageLevels-1 || !pte.HasFlags(FlagPresent) {
			return
		}

		// The tables themselves are addressed through the physical to
		// virtual translation supplied when the mapper was initialized.
		tableAddr = m.physToVirt(pte.Frame().Address())
	}
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (m *Mapper) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			entry = nil
			err = errNoHugePageSupport
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}
