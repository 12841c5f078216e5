// Package vmm implements the virtual memory mapper. A Mapper owns a 4-level
// page table hierarchy, edits the mappings it contains and hands out runs of
// mapped pages from a dedicated dynamic region of the kernel address space.
//
// A Mapper is not internally synchronized. Callers must serialize access, for
// example by disabling interrupts around mutations that might also be issued
// by an interrupt handler.
package vmm

import (
	"kmem/kernel"
	"kmem/kernel/cpu"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
)

var (
	// The following functions are mocked by tests.
	panicFn         = kfmt.Panic
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT

	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "no frame allocator supplied"}
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errMappingConflict   = &kernel.Error{Module: "vmm", Message: "page already mapped to a different frame"}
	errRegionOverlap     = &kernel.Error{Module: "vmm", Message: "mapping overlaps the dynamic region"}
)

// Config describes the parameters for initializing a Mapper.
type Config struct {
	// FrameAllocator supplies frames for page tables and for the pages
	// handed out by NewPages.
	FrameAllocator mm.FrameAllocator

	// RootFrame is the physical frame of the top-level page table. If set
	// to mm.InvalidFrame, Init allocates and clears a new table.
	RootFrame mm.Frame

	// DynamicRegionStart is the page-aligned virtual address where the
	// region serviced by NewPages begins.
	DynamicRegionStart uintptr

	// DynamicRegionPages is the size of the dynamic region in pages.
	DynamicRegionPages uint32

	// DynamicRegionBitmap provides the storage for tracking pages in the
	// dynamic region. It must hold at least
	// mm.BitmapWords(DynamicRegionPages) words.
	DynamicRegionBitmap mm.Bitmap

	// PhysToVirt returns the virtual address through which the supplied
	// physical address can be accessed. Page tables are always accessed
	// through this translation. If nil, physical memory is assumed to be
	// identity-mapped.
	PhysToVirt func(physAddr uintptr) uintptr

	// FlushTLBEntry invalidates the TLB entry for a virtual address. If
	// nil, cpu.FlushTLBEntry is used.
	FlushTLBEntry func(virtAddr uintptr)
}

// Mapper manages the mappings of a page table hierarchy.
type Mapper struct {
	frames        mm.FrameAllocator
	root          mm.Frame
	physToVirt    func(uintptr) uintptr
	flushTLBEntry func(uintptr)

	region dynamicRegion
}

func identityPhysToVirt(physAddr uintptr) uintptr {
	return physAddr
}

// Init prepares the mapper for use. It allocates a root table if needed and
// installs every intermediate table that covers the dynamic region so that
// NewPages only ever needs frames for the pages it hands out.
func (m *Mapper) Init(cfg Config) *kernel.Error {
	if cfg.FrameAllocator == nil {
		return errNoFrameAllocator
	}

	*m = Mapper{
		frames:        cfg.FrameAllocator,
		root:          cfg.RootFrame,
		physToVirt:    cfg.PhysToVirt,
		flushTLBEntry: cfg.FlushTLBEntry,
	}

	if m.physToVirt == nil {
		m.physToVirt = identityPhysToVirt
	}
	if m.flushTLBEntry == nil {
		m.flushTLBEntry = flushTLBEntryFn
	}

	if err := m.region.init(cfg.DynamicRegionStart, cfg.DynamicRegionPages, cfg.DynamicRegionBitmap); err != nil {
		return err
	}

	if !m.root.Valid() {
		frame, err := m.allocTable()
		if err != nil {
			return err
		}
		m.root = frame
	}

	for addr := m.region.start.Address() &^ (leafTableSpan - 1); addr < m.region.end().Address(); addr += leafTableSpan {
		if err := m.ensureTables(addr, 0); err != nil {
			return err
		}
	}

	return nil
}

// RootFrame returns the physical frame of the top-level page table.
func (m *Mapper) RootFrame() mm.Frame {
	return m.root
}

// Activate loads the mapper's root table into the CPU.
func (m *Mapper) Activate() {
	switchPDTFn(m.root.Address())
}

// allocTable reserves a frame for a page table and clears its contents.
func (m *Mapper) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrames(1)
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(m.physToVirt(frame.Address()), 0, mm.PageSize)
	return frame, nil
}

// installTable makes sure that the intermediate entry pte points to a present
// table, allocating one if required. User-accessible leaf mappings need every
// level on their path to be user-accessible too.
func (m *Mapper) installTable(pte *pageTableEntry, flags PageTableEntryFlag) *kernel.Error {
	if pte.HasFlags(FlagPresent) {
		if pte.HasFlags(FlagHugePage) {
			panicFn(errNoHugePageSupport)
			return errNoHugePageSupport
		}

		pte.SetFlags(flags & FlagUserAccessible)
		return nil
	}

	frame, err := m.allocTable()
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagRW | (flags & FlagUserAccessible))
	return nil
}

// ensureTables installs all intermediate tables for virtAddr.
func (m *Mapper) ensureTables(virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			return false
		}

		err = m.installTable(pte, flags)
		return err == nil
	})

	return err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Any missing intermediate tables are allocated from the frame
// allocator and cleared.
//
// Mapping a page to the frame it is already mapped to only updates its flags;
// this makes repeated calls with identical arguments a no-op. Remapping a page
// to a different frame without unmapping it first is an invariant violation
// and halts the kernel.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel < pageLevels-1 {
			err = m.installTable(pte, flags)
			return err == nil
		}

		// The CPU sets the accessed and dirty bits behind our back so
		// they are not considered when comparing mappings.
		want := pageTableEntry(frame.Address()) | pageTableEntry(flags)
		if pte.HasFlags(FlagPresent) {
			if pte.Frame() != frame {
				panicFn(errMappingConflict)
				err = errMappingConflict
				return false
			}

			if *pte&^pageTableEntry(FlagAccessed|FlagDirty) == want&^pageTableEntry(FlagAccessed|FlagDirty) {
				return false
			}
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags)
		m.flushTLBEntry(page.Address())
		return false
	})

	return err
}

// Unmap removes the mapping for the supplied page and flushes its TLB entry.
// The backing frame is not released. Unmapping a page that is not mapped
// returns ErrInvalidMapping.
func (m *Mapper) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 {
			if pte.HasFlags(FlagHugePage) {
				panicFn(errNoHugePageSupport)
				err = errNoHugePageSupport
				return false
			}
			return true
		}

		*pte = 0
		m.flushTLBEntry(page.Address())
		return false
	})

	return err
}

// Lookup returns the frame and flags of the mapping for the supplied page or
// ErrInvalidMapping if the page is not mapped.
func (m *Mapper) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pte, err := m.pteForAddress(page.Address())
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	return pte.Frame(), pte.Flags(), nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := m.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start. Identity mappings may not overlap the dynamic region.
func (m *Mapper) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	if m.region.overlaps(startPage, startPage+pageCount) {
		panicFn(errRegionOverlap)
		return 0, errRegionOverlap
	}

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := m.Map(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}
