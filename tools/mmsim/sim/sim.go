// Package sim runs the kernel memory core in user mode. Physical memory and
// the dynamic virtual region are page-aligned host arenas, page tables are
// reached through an identity physical-to-virtual translation, TLB flushes
// are counted instead of executed and kernel halts unwind into Go errors.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	gosync "sync"

	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/heap"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/mm/vmm"
	"kmem/kernel/sync"
)

// leafTableSpan is the address span covered by a single last-level page
// table. The dynamic region arena is aligned to it so that the number of
// intermediate tables only depends on the region size.
const leafTableSpan = 512 * mm.PageSize

var (
	// ErrHalted is matched by every error returned after the kernel code
	// halted. Use errors.As with *HaltError to get the diagnostic.
	ErrHalted = errors.New("kernel halted")

	// ErrOutOfMemory is returned when the simulated machine runs out of
	// frames or dynamic region pages.
	ErrOutOfMemory error = kernel.ErrOutOfMemory

	// ErrClosed is returned by operations on a closed System.
	ErrClosed = errors.New("system closed")

	errSystemActive = errors.New("another system is active")

	activeMu gosync.Mutex
	active   *System
)

// HaltError reports a fatal kernel condition.
type HaltError struct {
	// Diagnostic is the line printed by the kernel before halting.
	Diagnostic string
}

func (e *HaltError) Error() string { return "kernel halted: " + e.Diagnostic }

// Unwrap allows errors.Is(err, ErrHalted) to match.
func (e *HaltError) Unwrap() error { return ErrHalted }

// haltSignal is the panic value used for unwinding out of a kernel halt.
type haltSignal struct{}

// Config describes the simulated machine.
type Config struct {
	// Frames is the number of frames that are free once the kernel image
	// and the page tables covering the dynamic region are in place.
	Frames uint32

	// KernelFrames is the number of frames at the bottom of physical
	// memory that are reserved for the kernel image.
	KernelFrames uint32

	// RegionPages is the size of the dynamic region in pages.
	RegionPages uint32

	// Heap configures the heap allocator.
	Heap heap.Config

	// Output receives every line printed by the kernel code.
	Output func(line string)
}

func (cfg Config) validate() error {
	switch {
	case cfg.Frames == 0:
		return errors.New("sim: frame count must be positive")
	case cfg.RegionPages == 0:
		return errors.New("sim: dynamic region must contain at least one page")
	}
	return nil
}

// Snapshot captures the allocator state.
type Snapshot struct {
	TotalFrames    uint32
	FreeFrames     uint32
	ReservedFrames uint32

	MappedPages      uint32
	FreeDynamicPages uint32

	TLBFlushes uint64

	Heap heap.Stats
}

// System is a simulated machine running the memory core. A System installs
// process-wide output and halt hooks so only one System can be open at a
// time. System is not safe for concurrent use.
type System struct {
	cfg    Config
	phys   *arena
	region *arena

	frames pmm.BitmapAllocator
	mapper vmm.Mapper
	lock   sync.Lock
	heap   heap.Heap

	flushes uint64
	out     lineWriter
	halt    *HaltError
	closed  bool
}

// NewSystem allocates the host arenas and initializes the frame allocator,
// the mapper and the heap the same way the kernel does at boot.
func NewSystem(cfg Config) (*System, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &System{
		cfg:    cfg,
		region: newArena(uintptr(cfg.RegionPages)*mm.PageSize, leafTableSpan),
		out:    lineWriter{output: cfg.Output},
	}

	// One frame for the root table plus the tables that Init installs.
	tableFrames := 1 + vmm.IntermediateTables(s.region.base, cfg.RegionPages)
	physFrames := cfg.Frames + cfg.KernelFrames + tableFrames
	s.phys = newArena(uintptr(physFrames)*mm.PageSize, mm.PageSize)

	activeMu.Lock()
	if active != nil {
		activeMu.Unlock()
		return nil, errSystemActive
	}
	active = s
	activeMu.Unlock()

	kfmt.SetOutputSink(&s.out)
	kfmt.SetHaltHandler(func() { panic(haltSignal{}) })

	err := s.guard(func() *kernel.Error {
		regions := []mm.MemRegion{{
			PhysAddress: uint64(s.phys.base),
			Length:      uint64(s.phys.size),
		}}
		if err := s.frames.Init(regions, make(mm.Bitmap, pmm.RequiredBitmapWords(regions))); err != nil {
			return err
		}
		s.frames.ReserveFrames(mm.FrameFromAddress(s.phys.base), cfg.KernelFrames)

		if err := s.mapper.Init(vmm.Config{
			FrameAllocator:      &s.frames,
			RootFrame:           mm.InvalidFrame,
			DynamicRegionStart:  s.region.base,
			DynamicRegionPages:  cfg.RegionPages,
			DynamicRegionBitmap: make(mm.Bitmap, mm.BitmapWords(cfg.RegionPages)),
			FlushTLBEntry:       func(uintptr) { s.flushes++ },
		}); err != nil {
			return err
		}

		s.lock.Init("alloc")
		return s.heap.Init(&s.mapper, &s.lock, cfg.Heap)
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("sim: init: %w", err)
	}

	return s, nil
}

// Close detaches the System from the kernel output and halt hooks.
func (s *System) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.out.flush()

	activeMu.Lock()
	if active == s {
		kfmt.SetOutputSink(nil)
		kfmt.SetHaltHandler(nil)
		active = nil
	}
	activeMu.Unlock()
}

// Halted returns the halt that stopped the System or nil.
func (s *System) Halted() *HaltError {
	return s.halt
}

// guard runs fn and converts kernel halts into a *HaltError. Once halted,
// the System rejects every further operation.
func (s *System) guard(fn func() *kernel.Error) (err error) {
	switch {
	case s.closed:
		return ErrClosed
	case s.halt != nil:
		return s.halt
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(haltSignal); !ok {
				panic(r)
			}
			s.out.flush()
			s.halt = &HaltError{Diagnostic: s.out.lastFault}
			err = s.halt
		}
	}()

	if kerr := fn(); kerr != nil {
		return kerr
	}
	return nil
}

// Allocate requests a heap block of at least size bytes.
func (s *System) Allocate(size uintptr) (uintptr, error) {
	var ptr uintptr
	err := s.guard(func() (kerr *kernel.Error) {
		ptr, kerr = s.heap.Allocate(size)
		return kerr
	})
	return ptr, err
}

// Free releases a heap block.
func (s *System) Free(ptr uintptr) error {
	return s.guard(func() *kernel.Error {
		s.heap.Free(ptr)
		return nil
	})
}

// Calloc requests a zero-filled heap block for count items of size bytes.
func (s *System) Calloc(count, size uintptr) (uintptr, error) {
	var ptr uintptr
	err := s.guard(func() (kerr *kernel.Error) {
		ptr, kerr = s.heap.Calloc(count, size)
		return kerr
	})
	return ptr, err
}

// Realloc resizes a heap block.
func (s *System) Realloc(ptr, size uintptr) (uintptr, error) {
	var newPtr uintptr
	err := s.guard(func() (kerr *kernel.Error) {
		newPtr, kerr = s.heap.Realloc(ptr, size)
		return kerr
	})
	return newPtr, err
}

// UsableSize returns the payload size of a heap block.
func (s *System) UsableSize(ptr uintptr) (uintptr, error) {
	var size uintptr
	err := s.guard(func() *kernel.Error {
		size = s.heap.UsableSize(ptr)
		return nil
	})
	return size, err
}

// Grow adds pages to the heap ahead of use and returns their address.
func (s *System) Grow(pages uint32) (uintptr, error) {
	var addr uintptr
	err := s.guard(func() (kerr *kernel.Error) {
		addr, kerr = s.heap.Grow(pages)
		return kerr
	})
	return addr, err
}

// AllocPages maps count pages from the dynamic region.
func (s *System) AllocPages(count uint32) (uintptr, error) {
	var addr uintptr
	err := s.guard(func() (kerr *kernel.Error) {
		addr, kerr = s.mapper.NewPages(count)
		return kerr
	})
	return addr, err
}

// FreePages releases pages returned by AllocPages.
func (s *System) FreePages(addr uintptr, count uint32) error {
	return s.guard(func() *kernel.Error {
		s.mapper.FreePages(addr, count)
		return nil
	})
}

// Translate returns the physical address that virtAddr maps to.
func (s *System) Translate(virtAddr uintptr) (uintptr, error) {
	var physAddr uintptr
	err := s.guard(func() (kerr *kernel.Error) {
		physAddr, kerr = s.mapper.Translate(virtAddr)
		return kerr
	})
	return physAddr, err
}

// Check verifies the heap invariants.
func (s *System) Check() error {
	return s.guard(s.heap.Check)
}

// Stats returns a snapshot of the allocator state.
func (s *System) Stats() (Snapshot, error) {
	var snap Snapshot
	err := s.guard(func() *kernel.Error {
		snap = Snapshot{
			TotalFrames:      s.frames.TotalFrames(),
			FreeFrames:       s.frames.FreeFrameCount(),
			ReservedFrames:   s.frames.ReservedFrameCount(),
			MappedPages:      s.mapper.MappedDynamicPages(),
			FreeDynamicPages: s.mapper.FreeDynamicPages(),
			TLBFlushes:       s.flushes,
			Heap:             s.heap.Stats(),
		}
		return nil
	})
	return snap, err
}

// PrintStats prints the frame allocator memory map through the kernel output.
func (s *System) PrintStats() error {
	return s.guard(func() *kernel.Error {
		s.frames.PrintMemoryMap()
		return nil
	})
}

// Region returns the virtual address range of the dynamic region.
func (s *System) Region() (start, end uintptr) {
	return s.region.base, s.region.base + s.region.size
}

// Bytes returns a slice aliasing [addr, addr+size) inside the dynamic region
// or nil if the range lies outside it.
func (s *System) Bytes(addr, size uintptr) []byte {
	return s.region.bytes(addr, size)
}

// VisitFrames invokes visitor for every managed frame in ascending order with
// its index and allocation state. The visitor returns false to stop.
func (s *System) VisitFrames(visitor func(index uint32, used bool) bool) {
	var index uint32
	s.frames.VisitPools(func(start, end mm.Frame, _ uint32, bitmap mm.Bitmap) bool {
		for i := uint32(0); i < uint32(end-start); i, index = i+1, index+1 {
			if !visitor(index, bitmap.IsSet(i)) {
				return false
			}
		}
		return true
	})
}

// VisitHeapBlocks invokes visitor for every heap block in address order.
func (s *System) VisitHeapBlocks(visitor heap.BlockVisitor) error {
	return s.guard(func() *kernel.Error {
		s.heap.VisitBlocks(visitor)
		return nil
	})
}

// lineWriter splits kernel output into lines and remembers the last fault
// diagnostic.
type lineWriter struct {
	output    func(string)
	pending   []byte
	lastFault string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		index := bytes.IndexByte(w.pending, '\n')
		if index < 0 {
			break
		}
		w.emit(string(w.pending[:index]))
		w.pending = w.pending[index+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.pending) != 0 {
		w.emit(string(w.pending))
		w.pending = w.pending[:0]
	}
}

func (w *lineWriter) emit(line string) {
	if line == "" {
		return
	}
	if strings.Contains(line, "unrecoverable error: ") {
		w.lastFault = line
	}
	if w.output != nil {
		w.output(line)
	}
}
