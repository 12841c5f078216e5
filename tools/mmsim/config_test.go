package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "mmsim.yaml", `
memory:
  frames: 32
  region_pages: 64
heap:
  grow_pages: 2
workload:
  seed: 7
  ops: 100
  weights:
    pages: 0
render:
  output: out.png
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint32(32), cfg.Memory.Frames)
	require.Equal(t, uint32(64), cfg.Memory.RegionPages)
	require.Equal(t, DefaultConfig().Memory.KernelFrames, cfg.Memory.KernelFrames, "expected omitted settings to keep their defaults")
	require.Equal(t, int64(7), cfg.Workload.Seed)
	require.Zero(t, cfg.Workload.Weights.Pages)
	require.Equal(t, DefaultConfig().Workload.Weights.Alloc, cfg.Workload.Weights.Alloc)
	require.Equal(t, 50, cfg.renderStep())

	sys := cfg.System(nil)
	require.Equal(t, uint32(2), sys.Heap.GrowPages)

	trace := cfg.Trace()
	require.Equal(t, 100, trace.Ops)
	require.Zero(t, trace.PagesWeight)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "memory: [1, 2"))
	require.ErrorContains(t, err, "failed to parse")

	_, err = LoadConfig(writeFile(t, "invalid.yaml", `
memory:
  frames: 0
workload:
  max_size: 0
`))
	require.ErrorContains(t, err, "memory.frames must be positive")
	require.ErrorContains(t, err, "workload.max_size must be positive")
}

func TestExampleConfig(t *testing.T) {
	cfg, err := LoadConfig("mmsim.yaml")
	require.NoError(t, err)
	require.Equal(t, int64(42), cfg.Workload.Seed)
}
