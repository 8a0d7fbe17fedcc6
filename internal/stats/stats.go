// Package stats exposes kernel counters and gauges through a
// prometheus.Registry, rendered in the text exposition format by the
// net/httpd responder's /metrics handler. The kernel never starts its own
// HTTP client/server stack to scrape itself; Gather/Render are called
// directly from the request handler running on the interrupt-driven main
// loop.
package stats

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// registry is a private registry rather than the global
// prometheus.DefaultRegisterer: this kernel never wants the client_golang
// process collectors (open fds, goroutines, GC pauses from a hosted Go
// runtime) since none of those concepts apply to a freestanding kernel.
var registry = prometheus.NewRegistry()

const namespace = "kernel32"

var (
	// PMMFramesFree tracks the number of free physical frames known to
	// the bitmap allocator.
	PMMFramesFree = mustRegisterGauge("pmm_frames_free", "Number of free physical memory frames.")

	// PMMFramesUsed tracks the number of allocated physical frames.
	PMMFramesUsed = mustRegisterGauge("pmm_frames_used", "Number of allocated physical memory frames.")

	// PMMAllocContiguousTotal counts the bitmap allocator's AllocFrames and
	// AllocFramesInRange calls, partitioned by outcome; AllocFrame failures
	// are also counted here as out_of_memory.
	PMMAllocContiguousTotal = mustRegisterCounterVec("pmm_alloc_contiguous_total", "Contiguous frame allocation calls by outcome.", "outcome")

	// ARPCacheHitsTotal/ARPCacheMissesTotal count ARP cache lookups.
	ARPCacheHitsTotal   = mustRegisterCounter("arp_cache_hits_total", "ARP cache lookups that resolved locally.")
	ARPCacheMissesTotal = mustRegisterCounter("arp_cache_misses_total", "ARP cache lookups that required a request.")

	// TCPRetransmitsTotal counts segments retransmitted after a timeout.
	TCPRetransmitsTotal = mustRegisterCounter("tcp_retransmits_total", "TCP segments retransmitted after a timer expiry.")

	// TCPConnectionsActive tracks open TCB count.
	TCPConnectionsActive = mustRegisterGauge("tcp_connections_active", "Number of TCP connections that are not in CLOSED.")

	// FAT32ReadsTotal counts sector reads performed while walking a file.
	FAT32ReadsTotal = mustRegisterCounter("fat32_reads_total", "FAT32 sector reads performed.")
)

func mustRegisterGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	registry.MustRegister(g)
	return g
}

func mustRegisterCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	registry.MustRegister(c)
	return c
}

func mustRegisterCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	registry.MustRegister(c)
	return c
}

// Render gathers every registered metric family and writes it to w using
// the Prometheus text exposition format.
func Render(w io.Writer) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
