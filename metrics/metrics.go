// Package metrics holds the process-wide counters that don't belong to any
// single component (dispatch loop health) and serves them over /metrics.
// Per-component counters live beside their owning package (e.g.
// kvstore.ReceivedPublications) and register into the same default
// prometheus.Registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "openr_dispatch_latency_seconds",
		Help:    "Time spent executing one dispatched handler on the main loop.",
		Buckets: prometheus.DefBuckets,
	})

	DispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openr_dispatch_queue_depth",
		Help: "Pending handlers in the dispatch channel, sampled after each drain.",
	})
)

func init() {
	prometheus.MustRegister(DispatchLatency, DispatchQueueDepth)
}

// Handler returns the Prometheus handler for the default registry. Open/R exposes it
// alongside the control-plane RPC surface rather than on its own port.
func Handler() http.Handler {
	return promhttp.Handler()
}
