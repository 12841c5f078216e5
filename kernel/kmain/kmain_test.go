package kmain

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"kmem/kernel"
	"kmem/kernel/mm"
	"kmem/kernel/multiboot"
)

type testMemEntry struct {
	addr, length uint64
	memType      multiboot.MemoryEntryType
}

// multibootInfo encodes a multiboot2 info block that contains a memory map
// tag with the supplied entries. The returned slice backs the block and must
// be kept alive while the block is in use.
func multibootInfo(entries []testMemEntry) []uint64 {
	const entrySize = 24

	var (
		tagSize = 16 + entrySize*len(entries)
		buf     = make([]byte, 8+tagSize+8)
		le      = binary.LittleEndian
	)

	le.PutUint32(buf[0:], uint32(len(buf)))
	le.PutUint32(buf[8:], 6)
	le.PutUint32(buf[12:], uint32(tagSize))
	le.PutUint32(buf[16:], entrySize)

	offset := 24
	for _, entry := range entries {
		le.PutUint64(buf[offset:], entry.addr)
		le.PutUint64(buf[offset+8:], entry.length)
		le.PutUint32(buf[offset+16:], uint32(entry.memType))
		offset += entrySize
	}

	// End tag.
	le.PutUint32(buf[offset:], 0)
	le.PutUint32(buf[offset+4:], 8)

	words := make([]uint64, len(buf)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(buf)), buf)
	return words
}

func mockKmainHooks(t *testing.T) (*[]*kernel.Error, *[]mm.MemRegion, *int) {
	origPanic, origInit, origStats := panicFn, kallocInitFn, printStatsFn
	t.Cleanup(func() {
		panicFn, kallocInitFn, printStatsFn = origPanic, origInit, origStats
	})

	var (
		faults     []*kernel.Error
		regions    []mm.MemRegion
		statsCalls int
	)

	panicFn = func(e interface{}) {
		faults = append(faults, e.(*kernel.Error))
	}
	kallocInitFn = func(r []mm.MemRegion, _, _ uintptr) *kernel.Error {
		regions = append(regions, r...)
		return nil
	}
	printStatsFn = func() { statsCalls++ }

	return &faults, &regions, &statsCalls
}

func TestKmain(t *testing.T) {
	faults, regions, statsCalls := mockKmainHooks(t)

	info := multibootInfo([]testMemEntry{
		{0, 0x9fc00, multiboot.MemAvailable},
		{0x9fc00, 0x400, multiboot.MemReserved},
		{0x100000, 0x7ee0000, multiboot.MemAvailable},
		{0xfffc0000, 0x40000, multiboot.MemReserved},
	})

	var (
		kernelStart, kernelEnd uintptr = 0x100000, 0x200000
		gotStart, gotEnd       uintptr
	)
	kallocInitFn = func(r []mm.MemRegion, start, end uintptr) *kernel.Error {
		*regions = append(*regions, r...)
		gotStart, gotEnd = start, end
		return nil
	}

	Kmain(uintptr(unsafe.Pointer(&info[0])), kernelStart, kernelEnd)

	exp := []mm.MemRegion{
		{PhysAddress: 0, Length: 0x9fc00},
		{PhysAddress: 0x100000, Length: 0x7ee0000},
	}
	if len(*regions) != len(exp) {
		t.Fatalf("expected %d available regions; got %d", len(exp), len(*regions))
	}
	for i, region := range exp {
		if (*regions)[i] != region {
			t.Errorf("[region %d] expected %+v; got %+v", i, region, (*regions)[i])
		}
	}

	if gotStart != kernelStart || gotEnd != kernelEnd {
		t.Errorf("expected kernel image [0x%x, 0x%x); got [0x%x, 0x%x)", kernelStart, kernelEnd, gotStart, gotEnd)
	}

	if *statsCalls != 1 {
		t.Errorf("expected stats to be printed once; got %d", *statsCalls)
	}

	if len(*faults) != 1 || (*faults)[0] != errKmainReturned {
		t.Fatalf("expected Kmain to halt with errKmainReturned; got %v", *faults)
	}
}

func TestKmainErrors(t *testing.T) {
	t.Run("no memory map", func(t *testing.T) {
		faults, _, statsCalls := mockKmainHooks(t)

		// An info block containing only the end tag.
		info := []uint64{16, 8 << 32}
		Kmain(uintptr(unsafe.Pointer(&info[0])), 0, 0)

		if len(*faults) != 1 || (*faults)[0] != errNoMemoryMap {
			t.Fatalf("expected Kmain to halt with errNoMemoryMap; got %v", *faults)
		}
		if *statsCalls != 0 {
			t.Fatal("expected Kmain to stop before printing stats")
		}
	})

	t.Run("allocator init failure", func(t *testing.T) {
		faults, _, _ := mockKmainHooks(t)
		kallocInitFn = func([]mm.MemRegion, uintptr, uintptr) *kernel.Error {
			return kernel.ErrOutOfMemory
		}

		info := multibootInfo([]testMemEntry{{0x100000, 0x1000, multiboot.MemAvailable}})
		Kmain(uintptr(unsafe.Pointer(&info[0])), 0, 0)

		if len(*faults) != 1 || (*faults)[0] != kernel.ErrOutOfMemory {
			t.Fatalf("expected Kmain to halt with the init error; got %v", *faults)
		}
	})
}

func TestAvailableRegionsOverflow(t *testing.T) {
	entries := make([]testMemEntry, len(memRegions)+3)
	for i := range entries {
		entries[i] = testMemEntry{uint64(i) << 20, 1 << 20, multiboot.MemAvailable}
	}

	info := multibootInfo(entries)
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

	count, found := availableRegions()
	if !found {
		t.Fatal("expected memory map to be found")
	}
	if count != len(memRegions) {
		t.Fatalf("expected %d regions; got %d", len(memRegions), count)
	}
}
