package kfmt

import (
	"kmem/kernel"
	"kmem/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and replaced by hosted builds through
	// SetHaltHandler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltHandler replaces the function that Panic invokes after printing its
// diagnostic. Kernel images never call it; hosted tooling that runs the memory
// management code in user-mode installs a handler that unwinds instead of
// executing the privileged HLT instruction. Passing nil restores cpu.Halt.
func SetHaltHandler(fn func()) {
	if fn == nil {
		fn = cpu.Halt
	}
	cpuHaltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return when running on bare metal.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
