package main

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kmem/tools/mmsim/sim"
)

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	sys, err := sim.NewSystem(sim.Config{Frames: 16, RegionPages: 32})
	require.NoError(t, err)
	t.Cleanup(sys.Close)

	var out bytes.Buffer
	return &console{sys: sys, out: &out, render: DefaultConfig().Render}, &out
}

// lastAddr extracts the address printed at the start of the last output line.
func lastAddr(t *testing.T, out *bytes.Buffer) string {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	addr := strings.Fields(lines[len(lines)-1])[0]
	_, err := strconv.ParseUint(addr, 0, 64)
	require.NoError(t, err)
	return addr
}

func TestConsoleHeapCommands(t *testing.T) {
	c, out := newTestConsole(t)

	quit, err := c.exec("alloc 100")
	require.NoError(t, err)
	require.False(t, quit)
	require.Contains(t, out.String(), "requested 100, usable 112")
	addr := lastAddr(t, out)

	_, err = c.exec("realloc " + addr + " 300")
	require.NoError(t, err)
	addr = lastAddr(t, out)

	_, err = c.exec("calloc 4 8")
	require.NoError(t, err)
	zeroed := lastAddr(t, out)

	_, err = c.exec("check")
	require.NoError(t, err)

	for _, cmd := range []string{"free " + addr, "free " + zeroed, "stats"} {
		_, err = c.exec(cmd)
		require.NoError(t, err, cmd)
	}
	require.Contains(t, out.String(), "heap:    0 segments")
}

func TestConsolePageCommands(t *testing.T) {
	c, out := newTestConsole(t)

	_, err := c.exec("pages 2")
	require.NoError(t, err)
	addr := lastAddr(t, out)

	_, err = c.exec("stats")
	require.NoError(t, err)
	require.Contains(t, out.String(), "pages:   2 mapped")

	_, err = c.exec("unpages " + addr + " 2")
	require.NoError(t, err)
}

func TestConsoleErrors(t *testing.T) {
	c, _ := newTestConsole(t)

	_, err := c.exec("bogus")
	require.ErrorContains(t, err, "unknown command")

	_, err = c.exec("alloc")
	require.ErrorIs(t, err, errUsage)

	_, err = c.exec("alloc lots")
	require.ErrorContains(t, err, "invalid number")

	_, err = c.exec("pages 100")
	require.ErrorIs(t, err, sim.ErrOutOfMemory)

	// Freeing a pointer that was never handed out halts the system.
	_, err = c.exec("free 0x10")
	require.ErrorIs(t, err, sim.ErrHalted)
}

func TestConsoleMisc(t *testing.T) {
	c, out := newTestConsole(t)

	quit, err := c.exec("   ")
	require.NoError(t, err)
	require.False(t, quit)

	_, err = c.exec("help")
	require.NoError(t, err)
	require.Contains(t, out.String(), "unpages")

	path := filepath.Join(t.TempDir(), "occupancy.png")
	_, err = c.exec("render " + path)
	require.NoError(t, err)
	require.FileExists(t, path)

	_, err = c.exec("memmap")
	require.NoError(t, err)

	quit, err = c.exec("quit")
	require.NoError(t, err)
	require.True(t, quit)
}
