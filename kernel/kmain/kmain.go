package kmain

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/kalloc"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/multiboot"
)

var (
	// The following functions are mocked by tests.
	panicFn      = kfmt.Panic
	kallocInitFn = kalloc.Init
	printStatsFn = kalloc.PrintStats

	// memRegions holds the available regions reported by the bootloader.
	memRegions [pmm.MaxPools]mm.MemRegion

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMemoryMap   = &kernel.Error{Module: "kmain", Message: "bootloader did not supply a memory map"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	regionCount, found := availableRegions()
	if !found {
		panicFn(errNoMemoryMap)
		return
	}

	if err := kallocInitFn(memRegions[:regionCount], kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}

	printStatsFn()

	// Use panicFn instead of returning to prevent the compiler from
	// treating the halt path as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// availableRegions copies the available regions from the multiboot memory map
// into memRegions and returns their count. The second return value is false
// if the bootloader did not supply a memory map.
func availableRegions() (int, bool) {
	var count int

	found := multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		if count == len(memRegions) {
			kfmt.Printf("[kmain] ignoring memory region at 0x%x: too many regions\n", entry.PhysAddress)
			return true
		}

		memRegions[count] = mm.MemRegion{PhysAddress: entry.PhysAddress, Length: entry.Length}
		count++
		return true
	})

	return count, found
}
