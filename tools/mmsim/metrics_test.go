package main

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"kmem/kernel/mm/heap"
	"kmem/tools/mmsim/sim"
)

func TestMetricsObserve(t *testing.T) {
	m := newMetrics("test-run")
	m.observe(sim.Snapshot{
		TotalFrames:      10,
		FreeFrames:       6,
		ReservedFrames:   4,
		MappedPages:      3,
		FreeDynamicPages: 13,
		TLBFlushes:       9,
		Heap:             heap.Stats{Segments: 1, Pages: 3, InUseBytes: 160, FreeBytes: 12096, Allocs: 5, Frees: 3},
	})
	m.recordResult(sim.Result{Allocs: 5, Frees: 3, OutOfMemory: 1})

	require.Equal(t, 6.0, testutil.ToFloat64(m.frames.WithLabelValues("free")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.frames.WithLabelValues("reserved")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.pages.WithLabelValues("mapped")))
	require.Equal(t, 160.0, testutil.ToFloat64(m.heapBytes.WithLabelValues("in_use")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.heapSegs))
	require.Equal(t, 9.0, testutil.ToFloat64(m.tlbFlushes))
	require.Equal(t, 1.0, testutil.ToFloat64(m.workloadOps.WithLabelValues("out_of_memory")))

	path := filepath.Join(t.TempDir(), "mmsim.prom")
	require.NoError(t, m.writeTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `mmsim_frames{run_id="test-run",state="free"} 6`)
	require.Contains(t, string(data), `mmsim_workload_operations_total{op="alloc",run_id="test-run"} 5`)
}

func TestMetricsHandler(t *testing.T) {
	m := newMetrics("test-run")
	m.observe(sim.Snapshot{FreeFrames: 2})

	srv := httptest.NewServer(m.handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "mmsim_heap_segments")
}
