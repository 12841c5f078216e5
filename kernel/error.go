package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the memory management code runs before the Go allocator
// is available, so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

var (
	// ErrOutOfMemory is returned by the frame allocator, the vmm page
	// source and the heap when a request cannot be satisfied. It is the
	// only memory management error that callers are expected to recover
	// from; every other anomaly halts the kernel.
	ErrOutOfMemory = &Error{Module: "mm", Message: "out of memory"}
)
