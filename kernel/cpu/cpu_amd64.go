// Package cpu exposes the privileged amd64 instructions used by the memory
// management code. Apart from InterruptsEnabled and Pause, calling these
// functions outside ring 0 raises a general protection fault; code running in
// user-mode (tests, host tooling) must substitute them.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the interrupt flag (IF) is set in the
// RFLAGS register.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// Pause hints the CPU that the caller is executing a spin-wait loop.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr
