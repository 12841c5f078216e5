// Package multiboot extracts the physical memory map from the multiboot2
// information block that the boot loader hands to the kernel.
package multiboot

import "unsafe"

type tagType uint32

const (
	tagMbSectionEnd tagType = 0
	tagMemoryMap    tagType = 6
)

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var memTypeNames = [...]string{
	MemAvailable:       "available",
	MemReserved:        "reserved",
	MemAcpiReclaimable: "ACPI (reclaimable)",
	MemNvs:             "NVS",
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	if t == 0 || t >= memUnknown {
		return memTypeNames[MemReserved]
	}
	return memTypeNames[t]
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

var (
	infoData uintptr
)

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes the supplied visitor for each memory region that is
// defined by the multiboot info data that we received from the bootloader. It
// returns false if the info block contains no memory map.
func VisitMemRegions(visitor MemRegionVisitor) bool {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return false
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	if ptrMapHeader.entrySize == 0 {
		return false
	}

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			break
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}

	return true
}

// findTagByType scans the multiboot info data looking for the start of the
// specified tag type. It returns a pointer to the tag contents and the content
// length excluding the tag header, or (0, 0) if the tag is not present.
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
