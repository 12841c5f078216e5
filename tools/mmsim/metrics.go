package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kmem/tools/mmsim/sim"
)

const metricsNamespace = "mmsim"

// metrics exports the allocator state of a simulation run.
type metrics struct {
	registry *prometheus.Registry

	frames      *prometheus.GaugeVec
	pages       *prometheus.GaugeVec
	heapBytes   *prometheus.GaugeVec
	heapSegs    prometheus.Gauge
	tlbFlushes  prometheus.Gauge
	heapOps     *prometheus.GaugeVec
	workloadOps *prometheus.CounterVec
}

func newMetrics(runID string) *metrics {
	labels := prometheus.Labels{"run_id": runID}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "frames",
			Help:        "Physical frames by state.",
			ConstLabels: labels,
		}, []string{"state"}),
		pages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "dynamic_region_pages",
			Help:        "Dynamic region pages by state.",
			ConstLabels: labels,
		}, []string{"state"}),
		heapBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "heap_bytes",
			Help:        "Heap bytes, headers included, by state.",
			ConstLabels: labels,
		}, []string{"state"}),
		heapSegs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "heap_segments",
			Help:        "Page runs owned by the heap.",
			ConstLabels: labels,
		}),
		tlbFlushes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "tlb_flushes",
			Help:        "TLB entry invalidations issued by the mapper.",
			ConstLabels: labels,
		}),
		heapOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "heap_operations",
			Help:        "Heap operations by kind as reported by the heap.",
			ConstLabels: labels,
		}, []string{"op"}),
		workloadOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "workload_operations_total",
			Help:        "Workload operations by kind.",
			ConstLabels: labels,
		}, []string{"op"}),
	}

	m.registry.MustRegister(m.frames, m.pages, m.heapBytes, m.heapSegs, m.tlbFlushes, m.heapOps, m.workloadOps)
	return m
}

// observe updates the gauges from a snapshot.
func (m *metrics) observe(snap sim.Snapshot) {
	m.frames.WithLabelValues("free").Set(float64(snap.FreeFrames))
	m.frames.WithLabelValues("reserved").Set(float64(snap.ReservedFrames))
	m.pages.WithLabelValues("mapped").Set(float64(snap.MappedPages))
	m.pages.WithLabelValues("free").Set(float64(snap.FreeDynamicPages))
	m.heapBytes.WithLabelValues("in_use").Set(float64(snap.Heap.InUseBytes))
	m.heapBytes.WithLabelValues("free").Set(float64(snap.Heap.FreeBytes))
	m.heapSegs.Set(float64(snap.Heap.Segments))
	m.tlbFlushes.Set(float64(snap.TLBFlushes))
	m.heapOps.WithLabelValues("alloc").Set(float64(snap.Heap.Allocs))
	m.heapOps.WithLabelValues("free").Set(float64(snap.Heap.Frees))
	m.heapOps.WithLabelValues("failed_alloc").Set(float64(snap.Heap.FailedAllocs))
}

// recordResult adds the workload totals to the operation counters.
func (m *metrics) recordResult(res sim.Result) {
	m.workloadOps.WithLabelValues("alloc").Add(float64(res.Allocs))
	m.workloadOps.WithLabelValues("free").Add(float64(res.Frees))
	m.workloadOps.WithLabelValues("realloc").Add(float64(res.Reallocs))
	m.workloadOps.WithLabelValues("pages").Add(float64(res.PageRuns))
	m.workloadOps.WithLabelValues("out_of_memory").Add(float64(res.OutOfMemory))
}

// writeTextfile writes the current metric values in the text exposition
// format.
func (m *metrics) writeTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
