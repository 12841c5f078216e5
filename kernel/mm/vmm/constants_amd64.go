package vmm

const (
	// pageLevels is the depth of the amd64 page table hierarchy: PML4,
	// PDPT, PD and PT.
	pageLevels = 4

	// levelBits is the number of virtual address bits that index a table
	// at any level.
	levelBits       = 9
	entriesPerTable = 1 << levelBits

	// ptePhysPageMask selects bits 12-51 of an entry, the physical address
	// of the referenced frame or table.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// leafTableSpan is the address space covered by one last-level table.
	leafTableSpan = uintptr(entriesPerTable) << 12
)

// levelShift returns the position of the lowest virtual address bit that
// indexes a table at the given level; level 0 is the root.
func levelShift(level uint8) uint {
	return 12 + levelBits*uint(pageLevels-1-level)
}

// tableIndex returns the entry that virtAddr selects in a table at the given
// level.
func tableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> levelShift(level)) & (entriesPerTable - 1)
}

// Page table entry flags. Only the bits the mapper sets or inspects are
// listed.
const (
	// FlagPresent marks an entry that references a frame or table.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW allows writes through the mapping.
	FlagRW

	// FlagUserAccessible allows ring 3 access. Intermediate tables inherit
	// it from the leaf mappings installed below them.
	FlagUserAccessible

	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty

	// FlagHugePage marks a PDPT or PD entry that maps a 1G or 2M page
	// directly. The mapper refuses to walk through such entries.
	FlagHugePage

	// FlagGlobal keeps the TLB entry across root table switches.
	FlagGlobal

	FlagNoExecute PageTableEntryFlag = 1 << 63
)
