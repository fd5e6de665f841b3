// Package kstats replaces biscuit's stats package (stats/stats.go),
// whose Counter_t/Cycles_t instruments are compiled away unless the
// package-level `Stats`/`Timing` constants are flipped to true. This
// kernel keeps its counters always on, backed by
// github.com/prometheus/client_golang/prometheus so they can be dumped
// through the kio CNTL_STATDUMP control op (the only "export" surface
// available without a network stack).
package kstats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the kernel-wide metrics registry. A dedicated registry
// (rather than the global default) keeps kernel metrics from mixing
// with anything a host process embedding this kernel might register.
var Registry = prometheus.NewRegistry()

func counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	Registry.MustRegister(c)
	return c
}

func gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	Registry.MustRegister(g)
	return g
}

// Physical allocator counters (spec.md §4.1).
var (
	PagesAllocated = counter("mem_pages_allocated_total", "physical pages handed out by alloc_phys_page(s)")
	PagesFreed     = counter("mem_pages_freed_total", "physical pages returned by free_phys_page(s)")
	FreePageCount  = gauge("mem_free_pages", "pages currently on the free-chunk list")
)

// Block cache counters (spec.md §4.6).
var (
	CacheHits      = counter("cache_hits_total", "get_block calls satisfied by a resident entry")
	CacheMisses    = counter("cache_misses_total", "get_block calls that required a backing read")
	CacheEvictions = counter("cache_evictions_total", "LRU entries evicted to satisfy a miss")
)

// KTFS counters (spec.md §4.7).
var (
	BitmapScanMisses = counter("ktfs_bitmap_scan_misses_total", "bitmap bytes skipped while all-ones during free-block search")
)

// Thread scheduler counters (spec.md §4.3).
var (
	ContextSwitches = counter("thread_context_switches_total", "voluntary context switches performed by the scheduler")
)

// Dump renders every registered metric as "name value" lines, sorted by
// name, for the kio CNTL_STATDUMP control op.
func Dump() string {
	mfs, err := Registry.Gather()
	if err != nil {
		return fmt.Sprintf("kstats: gather error: %v\n", err)
	}
	lines := make([]string, 0, len(mfs))
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			}
			lines = append(lines, fmt.Sprintf("%s %v", mf.GetName(), v))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}
