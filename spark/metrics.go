package spark

import "github.com/prometheus/client_golang/prometheus"

// Counters cover the observability surface: packet validation
// outcomes and neighbor FSM activity, per interface.
var (
	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spark_packets_dropped_total",
		Help: "Hellos dropped by the validation chain, by interface and reason.",
	}, []string{"iface", "reason"})

	NeighborEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spark_neighbor_events_total",
		Help: "Neighbor lifecycle events emitted, by interface and kind.",
	}, []string{"iface", "kind"})

	UnexpectedTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spark_unexpected_transitions_total",
		Help: "FSM (state, event) pairs with no table entry, logged and ignored.",
	}, []string{"iface"})

	ActiveNeighbors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spark_active_neighbors",
		Help: "Neighbors currently tracked (any FSM state), by interface.",
	}, []string{"iface"})
)

func init() {
	prometheus.MustRegister(PacketsDropped, NeighborEvents, UnexpectedTransitions, ActiveNeighbors)
}
