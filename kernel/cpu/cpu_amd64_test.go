package cpu

import "testing"

func TestInterruptsEnabled(t *testing.T) {
	// User-mode code always runs with IF set; the kernel clears it.
	if !InterruptsEnabled() {
		t.Fatal("expected InterruptsEnabled to return true when running in user-mode")
	}
}

func TestPause(t *testing.T) {
	// PAUSE is not privileged and must return immediately.
	for i := 0; i < 16; i++ {
		Pause()
	}
}
