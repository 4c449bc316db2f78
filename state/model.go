package state

import (
	"fmt"
	"net/netip"
	"time"
)

// AdjKey returns the KvStore key holding node's adjacency database.
func AdjKey(node NodeId) string {
	return fmt.Sprintf("adj:%s", node)
}

// PrefixKey returns the KvStore key for node's monolithic prefix database.
func PrefixKey(node NodeId) string {
	return fmt.Sprintf("prefix:%s", node)
}

// PerPrefixKey returns the KvStore key for a single prefix advertisement in
// per-prefix-key mode.
func PerPrefixKey(node NodeId, area Area, prefix netip.Prefix) string {
	return fmt.Sprintf("prefix:%s:%s:%s", node, area, prefix.String())
}

// AllocPrefixKey returns the range allocator key for a claimed subprefix index.
func AllocPrefixKey(index uint64) string {
	return fmt.Sprintf("allocprefix:%d", index)
}

// NodeLabelKey returns the range allocator key for a claimed SR node label.
// Distinct key prefix from AllocPrefixKey so node-label and subprefix
// elections never collide in the same range allocator keyspace.
func NodeLabelKey(index uint64) string {
	return fmt.Sprintf("nodelabel:%d", index)
}

// FibKey returns the key Fib publishes its programming status to. Decision
// does not read it; ordered-FIB holds last a fixed DecisionHoldTicks cycles.
func FibKey(node NodeId) string {
	return fmt.Sprintf("fib:%s", node)
}

const E2ENetworkAllocationKey = "e2e-network-allocation"

// AdjacencyEntry is one half-edge this node announces toward a neighbour
// ("Adjacency record").
type AdjacencyEntry struct {
	OtherNodeName NodeId
	LocalIfName   string
	RemoteIfName  string
	NextHopV6     netip.Addr
	NextHopV4     netip.Addr
	Metric        uint32
	AdjLabel      uint32
	IsOverloaded  bool
	Rtt           time.Duration
	Timestamp     time.Time
	Weight        uint32
}

// AdjacencyDatabase is the value stored at adj:<node>.
type AdjacencyDatabase struct {
	ThisNodeName NodeId
	IsOverloaded bool
	Adjacencies  []AdjacencyEntry
	// NodeLabel is the SR global label, 0 if unallocated/SR disabled.
	NodeLabel uint32
}

// PrefixType orders best-path preference among multiple advertisers of the
// same prefix: Loopback > Default > Bgp > PrefixAllocator.
type PrefixType int

const (
	PrefixTypeLoopback PrefixType = iota
	PrefixTypeDefault
	PrefixTypeBgp
	PrefixTypePrefixAllocator
)

func (t PrefixType) String() string {
	switch t {
	case PrefixTypeLoopback:
		return "loopback"
	case PrefixTypeDefault:
		return "default"
	case PrefixTypeBgp:
		return "bgp"
	case PrefixTypePrefixAllocator:
		return "prefix_allocator"
	default:
		return "unknown"
	}
}

// prefixTypeRank gives the best-path preference order; lower is better.
func (t PrefixType) rank() int {
	switch t {
	case PrefixTypeLoopback:
		return 0
	case PrefixTypeDefault:
		return 1
	case PrefixTypeBgp:
		return 2
	case PrefixTypePrefixAllocator:
		return 3
	default:
		return 100
	}
}

// Preferred reports whether t should win a best-path tie against other.
func (t PrefixType) Preferred(other PrefixType) bool {
	return t.rank() < other.rank()
}

type ForwardingType int

const (
	ForwardingTypeIP ForwardingType = iota
	ForwardingTypeSrMpls
)

type ForwardingAlgorithm int

const (
	ForwardingAlgoSpEcmp ForwardingAlgorithm = iota
	ForwardingAlgoKsp2EdEcmp
)

// PrefixEntry is one advertised prefix ("Prefix record").
type PrefixEntry struct {
	Prefix              netip.Prefix
	Type                PrefixType
	Data                []byte
	ForwardingType      ForwardingType
	ForwardingAlgorithm ForwardingAlgorithm
	// Ephemeral entries are not persisted to disk.
	Ephemeral bool
	// DeletePrefix marks a withdrawal in per-prefix-key mode.
	DeletePrefix bool
	// MetricVector is an optional externally-supplied tie-break vector,
	// compared lexicographically, lower wins.
	MetricVector []int32
}

// PrefixDatabase is the value stored at prefix:<node> (monolithic mode).
type PrefixDatabase struct {
	ThisNodeName  NodeId
	PrefixEntries []PrefixEntry
}

// Holdable dampens a field's transitions: a new value only takes effect once
// a TTL (measured in decision cycles) counts down to zero.
type Holdable[T comparable] struct {
	Current T
	Pending T
	ttl     int
	armed   bool
}

func NewHoldable[T comparable](initial T) Holdable[T] {
	return Holdable[T]{Current: initial, Pending: initial}
}

// Set stages a new value. If it differs from Current, it is held in Pending
// until Tick has been called holdTicks times.
func (h *Holdable[T]) Set(v T, holdTicks int) {
	if v == h.Current {
		h.Pending = v
		h.armed = false
		return
	}
	h.Pending = v
	h.ttl = holdTicks
	h.armed = true
}

// Tick decrements the hold timer, promoting Pending to Current once expired.
// Returns true if Current changed.
func (h *Holdable[T]) Tick() bool {
	if !h.armed {
		return false
	}
	h.ttl--
	if h.ttl <= 0 {
		h.Current = h.Pending
		h.armed = false
		return true
	}
	return false
}


// RouteNextHop is one ECMP next-hop toward a destination.
type RouteNextHop struct {
	Node     NodeId
	IfName   string
	Addr     netip.Addr
	AdjLabel uint32
	Metric   uint32
}

// UnicastRoute is a computed IP route ("Output").
type UnicastRoute struct {
	Prefix   netip.Prefix
	NextHops []RouteNextHop
}

// MplsAction distinguishes node-label vs adjacency-label MPLS routes.
type MplsAction int

const (
	MplsActionNodeLabel MplsAction = iota
	MplsActionAdjLabel
)

// MplsRoute is a computed SR-MPLS label route.
type MplsRoute struct {
	Label    uint32
	Action   MplsAction
	NextHops []RouteNextHop
}

// RouteDatabaseDelta is Decision's output, consumed by Fib.
type RouteDatabaseDelta struct {
	UnicastRoutesToUpdate []UnicastRoute
	UnicastRoutesToDelete []netip.Prefix
	MplsRoutesToUpdate    []MplsRoute
	MplsRoutesToDelete    []uint32
	PerfEvents            []PerfEvent
}

// PerfEvent timestamps a point in a convergence trace ("Output").
type PerfEvent struct {
	Name string
	Time time.Time
}
