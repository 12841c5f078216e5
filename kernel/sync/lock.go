package sync

import (
	"sync/atomic"

	"kmem/kernel"
	"kmem/kernel/cpu"
	"kmem/kernel/kfmt"
)

// Mode selects how a Lock behaves when it finds itself contended.
type Mode uint8

const (
	// ModeBoot applies while the kernel runs as a single thread of control
	// with interrupts disabled. A Lock degrades into a single-owner guard:
	// there is nobody who could release a held lock, so contention is a
	// deadlock and halts the kernel.
	ModeBoot Mode = iota

	// ModeInterrupts applies once interrupt handlers may run. Acquire
	// saves the interrupt flag and disables interrupts before spinning so
	// that a handler can never preempt the holder on the same CPU; Release
	// restores the saved flag.
	ModeInterrupts
)

// noOwner is the owner value of a free lock.
const noOwner = 0

var (
	lockMode = ModeBoot

	// The following hooks are mocked by tests.
	panicFn             = kfmt.Panic
	currentOwnerFn      = bootOwner
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	errLockReacquired = &kernel.Error{Module: "sync", Message: "lock re-acquired by its holder"}
	errLockNotHeld    = &kernel.Error{Module: "sync", Message: "release of a lock that is not held"}
	errLockDeadlock   = &kernel.Error{Module: "sync", Message: "lock contended while in boot mode"}
)

// bootOwner returns the owner token for the only thread of control that
// exists before a scheduler is available.
func bootOwner() uint64 { return 1 }

// SetLockMode switches the contention policy used by all Lock instances. The
// kernel calls it once, after interrupt handling has been set up and before
// interrupts are enabled.
func SetLockMode(mode Mode) {
	lockMode = mode
}

// LockMode returns the active contention policy.
func LockMode() Mode {
	return lockMode
}

// Lock is a named mutual-exclusion gate that tracks its holder. Lock never
// allocates memory which makes it safe to use for bracketing heap operations.
type Lock struct {
	name  string
	state uint32
	owner uint64

	// restoreInterrupts is only accessed by the holder.
	restoreInterrupts bool
}

// Init assigns a name to the lock. The name is used when reporting misuse.
func (l *Lock) Init(name string) {
	l.name = name
}

// Name returns the lock name.
func (l *Lock) Name() string {
	return l.name
}

// Held returns true if the lock is currently held by any caller.
func (l *Lock) Held() bool {
	return atomic.LoadUint32(&l.state) == 1
}

// Acquire blocks until the lock becomes available and marks it as held by
// the caller. Re-acquiring a lock already held by the caller is fatal.
func (l *Lock) Acquire() {
	owner := currentOwnerFn()
	if l.Held() && atomic.LoadUint64(&l.owner) == owner {
		panicFn(errLockReacquired)
		return
	}

	switch lockMode {
	case ModeBoot:
		if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			panicFn(errLockDeadlock)
			return
		}
	default:
		enabled := interruptsEnabledFn()
		disableInterruptsFn()
		acquireSpinlock(&l.state, 64)
		l.restoreInterrupts = enabled
	}

	atomic.StoreUint64(&l.owner, owner)
}

// TryToAcquire attempts to acquire the lock without blocking and returns true
// if it succeeded. In ModeInterrupts the interrupt flag is only modified when
// the lock is actually acquired.
func (l *Lock) TryToAcquire() bool {
	owner := currentOwnerFn()
	if l.Held() && atomic.LoadUint64(&l.owner) == owner {
		panicFn(errLockReacquired)
		return false
	}

	var enabled bool
	if lockMode == ModeInterrupts {
		enabled = interruptsEnabledFn()
		disableInterruptsFn()
	}

	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if lockMode == ModeInterrupts && enabled {
			enableInterruptsFn()
		}
		return false
	}

	l.restoreInterrupts = enabled
	atomic.StoreUint64(&l.owner, owner)
	return true
}

// Release marks the lock as free. Releasing a lock that is not held is fatal.
func (l *Lock) Release() {
	if !l.Held() {
		panicFn(errLockNotHeld)
		return
	}

	restore := l.restoreInterrupts
	l.restoreInterrupts = false
	atomic.StoreUint64(&l.owner, noOwner)
	atomic.StoreUint32(&l.state, 0)

	if lockMode == ModeInterrupts && restore {
		enableInterruptsFn()
	}
}
