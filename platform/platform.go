// Package platform defines the external collaborators FIB, LinkMonitor, and
// PrefixAllocator depend on but do not own: the forwarding-agent RPC, the OS
// link/address event stream, and the on-disk persistent store.
// Store has a real implementation, BadgerStore; ForwardingAgent and
// EventSource currently only ship the in-memory fakes (FakeAgent,
// MemEventSource), which tests use and core wires into every run. A netlink-backed
// EventSource and an RPC client for a real forwarding agent are the natural
// next collaborators to add here; nothing in core assumes FakeAgent beyond
// the ForwardingAgent/EventSource interfaces themselves.
package platform

import (
	"context"
	"net/netip"

	"github.com/open-r/openr/state"
)

// UnicastRoute and MplsRoute are re-exported from state so callers don't
// need to import both packages for one RPC call.
type UnicastRoute = state.UnicastRoute
type MplsRoute = state.MplsRoute

// ForwardingAgent is the FIB → agent RPC contract. clientId lets
// the agent distinguish Open/R's routes from other programmers sharing the
// same table.
type ForwardingAgent interface {
	AddUnicastRoutes(ctx context.Context, clientId uint16, routes []UnicastRoute) error
	DeleteUnicastRoutes(ctx context.Context, clientId uint16, prefixes []netip.Prefix) error
	SyncFib(ctx context.Context, clientId uint16, routes []UnicastRoute) error
	AddMplsRoutes(ctx context.Context, clientId uint16, routes []MplsRoute) error
	DeleteMplsRoutes(ctx context.Context, clientId uint16, labels []uint32) error
	SyncMplsFib(ctx context.Context, clientId uint16, routes []MplsRoute) error
	// AliveSince returns a monotonic epoch that changes only when the agent
	// process restarts.
	AliveSince(ctx context.Context) (int64, error)
}

// EventTag distinguishes the two platform event kinds: LinkEvent and
// AddressEvent.
type EventTag int

const (
	LinkEvent EventTag = iota
	AddressEvent
)

// PlatformEvent is the tagged variant LinkMonitor's event stream carries
// ("one variant per event kind").
type PlatformEvent struct {
	Tag EventTag

	// Set when Tag == LinkEvent.
	IfName  string
	IfIndex int
	IsUp    bool
	Weight  int

	// Set when Tag == AddressEvent. IfName is set for both tags.
	IpPrefix netip.Prefix
	IsValid  bool
}

// EventSource streams OS link/address changes ("Platform event
// stream"). Subscribe returns a reader that receives every event emitted
// after the call; there is no replay of history before the call.
type EventSource interface {
	Subscribe() (EventReader, error)
}

// EventReader is a single consumer's view of an EventSource.
type EventReader interface {
	Chan() <-chan PlatformEvent
	Close()
}

// Store is the on-disk typed blob store ("Persistent state on
// disk"). Implementations must make Store safe to call from any goroutine;
// values are serialized independently of the in-memory representation so
// callers can change Go types across releases without a migration step, as
// long as the YAML shape stays compatible.
type Store interface {
	Load(key string, out any) (bool, error)
	Store(key string, value any) error
	Erase(key string) error
	Close() error
}
