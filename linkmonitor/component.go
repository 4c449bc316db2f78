// Package linkmonitor assembles this node's adjacency database from Spark
// neighbor events and publishes it to KvStore.
package linkmonitor

import (
	"net/netip"
	"sort"
	"time"

	"github.com/open-r/openr/allocator"
	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/messaging"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/prefixmgr"
	"github.com/open-r/openr/spark"
	"github.com/open-r/openr/state"
)

// IfaceUpdate is one entry of LinkMonitor's interface database, pushed
// downstream to Fib so it can prune routes whose next hop transits a
// downed interface without waiting for a full SPF recompute.
type IfaceUpdate struct {
	IfName string
	Up     bool
}

// adjacency is one tracked (interface, neighbor) half-edge.
type adjacency struct {
	entry          state.AdjacencyEntry
	restarting     bool
	metricOverride *uint32
}

// flapState tracks an interface's up/down churn for the flap dampener: each
// down event doubles the suppression window up to a ceiling, and a
// sustained period without another flap resets it.
type flapState struct {
	backoff time.Duration
	timer   *time.Timer
}

const nodeLabelRangeSize = 1 << 16

// Component is Open/R's LinkMonitor module.
type Component struct {
	env  *state.Env
	self state.NodeId

	kv    *kvstore.Component
	spark *spark.Component
	pm    *prefixmgr.Component

	events  platform.EventSource
	eventRd platform.EventReader

	adjacencies map[string]map[state.NodeId]*adjacency // ifName -> neighbor -> adjacency
	flaps       map[string]*flapState

	ifaceUp map[string]bool
	ifaceDb *messaging.ReplicateQueue[IfaceUpdate]

	overloaded      bool
	ifaceOverloaded map[string]bool
	nodeLabel       uint32

	dirty     bool
	holdUntil time.Time
	version   uint64
}

// New constructs an uninitialized LinkMonitor component. events is the OS
// link/address event source; pm receives loopback prefixes redistributed
// from interface address changes.
func New(kv *kvstore.Component, sp *spark.Component, pm *prefixmgr.Component, events platform.EventSource) *Component {
	return &Component{
		kv:              kv,
		spark:           sp,
		pm:              pm,
		events:          events,
		adjacencies:     make(map[string]map[state.NodeId]*adjacency),
		flaps:           make(map[string]*flapState),
		ifaceUp:         make(map[string]bool),
		ifaceDb:         messaging.NewReplicateQueue[IfaceUpdate](),
		ifaceOverloaded: make(map[string]bool),
	}
}

// InterfaceEvents returns a reader over LinkMonitor's interface database,
// consumed by Fib for interface-down route pruning.
func (c *Component) InterfaceEvents() *messaging.Reader[IfaceUpdate] {
	return c.ifaceDb.GetReader(64)
}

func (c *Component) Init(s *state.State) error {
	c.env = s.Env
	c.self = s.Env.Config.NodeName
	c.holdUntil = time.Now().Add(state.LinkMonitorHoldOnStart)

	if s.Env.Config.EnableSegmentRouting {
		idx, err := allocator.Claim(c.kv, state.DefaultArea, state.NodeLabelKey, c.self, nodeLabelRangeSize, nil)
		if err != nil {
			c.env.Log.Warn("linkmonitor: node label allocation failed", "err", err)
		} else {
			c.nodeLabel = uint32(idx)
		}
	}

	rd := c.spark.Neighbors()
	go neighborPump(c.env, rd)

	evRd, err := c.events.Subscribe()
	if err != nil {
		return err
	}
	c.eventRd = evRd
	go platformEventPump(c.env, evRd)

	c.env.RepeatTask(c.publishThrottled, state.LinkMonitorAdjThrottle)
	return nil
}

func (c *Component) Cleanup(s *state.State) error {
	for _, fs := range c.flaps {
		if fs.timer != nil {
			fs.timer.Stop()
		}
	}
	if c.eventRd != nil {
		c.eventRd.Close()
	}
	c.ifaceDb.Close()
	return nil
}

func platformEventPump(env *state.Env, rd platform.EventReader) {
	for {
		select {
		case ev, ok := <-rd.Chan():
			if !ok {
				return
			}
			env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handlePlatformEvent(ev)
			})
		case <-env.Context.Done():
			return
		}
	}
}

// handlePlatformEvent is LinkMonitor's side of the OS link/address event
// stream: link events feed the interface database Fib prunes against,
// address events redistribute loopback prefixes into PrefixManager.
func (c *Component) handlePlatformEvent(ev platform.PlatformEvent) error {
	switch ev.Tag {
	case platform.LinkEvent:
		return c.handleIfaceLink(ev)
	case platform.AddressEvent:
		return c.handleIfaceAddress(ev)
	}
	return nil
}

func (c *Component) handleIfaceLink(ev platform.PlatformEvent) error {
	if up, seen := c.ifaceUp[ev.IfName]; seen && up == ev.IsUp {
		return nil
	}
	c.ifaceUp[ev.IfName] = ev.IsUp
	c.ifaceDb.Push(IfaceUpdate{IfName: ev.IfName, Up: ev.IsUp})
	if !ev.IsUp {
		// A downed interface drops every adjacency it carried immediately,
		// rather than waiting on Spark's per-neighbor hold timers to expire.
		if byNeighbor, ok := c.adjacencies[ev.IfName]; ok && len(byNeighbor) > 0 {
			delete(c.adjacencies, ev.IfName)
			c.markDirty()
		}
	}
	return nil
}

// handleIfaceAddress redistributes an interface address change as a
// loopback-type prefix advertisement ("publishes ... loopback prefixes").
func (c *Component) handleIfaceAddress(ev platform.PlatformEvent) error {
	if c.pm == nil || !ev.IpPrefix.IsValid() {
		return nil
	}
	if ev.IsValid {
		c.pm.AddOnLoop(state.PrefixTypeLoopback, []state.PrefixEntry{{Prefix: ev.IpPrefix}})
	} else {
		c.pm.WithdrawOnLoop(state.PrefixTypeLoopback, []netip.Prefix{ev.IpPrefix})
	}
	return nil
}

func neighborPump(env *state.Env, rd *messaging.Reader[spark.NeighborEvent]) {
	for {
		select {
		case ev, ok := <-rd.Chan():
			if !ok {
				return
			}
			env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handleNeighborEvent(ev)
			})
		case <-env.Context.Done():
			return
		}
	}
}

func (c *Component) handleNeighborEvent(ev spark.NeighborEvent) error {
	if c.flapSuppressed(ev.IfName) && ev.Kind == spark.EventUp {
		return nil
	}
	byNeighbor, ok := c.adjacencies[ev.IfName]
	if !ok {
		byNeighbor = make(map[state.NodeId]*adjacency)
		c.adjacencies[ev.IfName] = byNeighbor
	}

	switch ev.Kind {
	case spark.EventUp:
		byNeighbor[ev.Neighbor] = &adjacency{entry: state.AdjacencyEntry{
			OtherNodeName: ev.Neighbor,
			LocalIfName:   ev.IfName,
			RemoteIfName:  ev.RemoteIfName,
			NextHopV4:     ev.TransportV4,
			NextHopV6:     ev.TransportV6,
			Metric:        1,
			Rtt:           ev.Rtt,
			Timestamp:     time.Now(),
		}}
		c.markDirty()
	case spark.EventDown:
		delete(byNeighbor, ev.Neighbor)
		c.armFlap(ev.IfName)
		c.markDirty()
	case spark.EventRestarting:
		if a, ok := byNeighbor[ev.Neighbor]; ok {
			a.restarting = true
		}
	case spark.EventRestarted:
		if a, ok := byNeighbor[ev.Neighbor]; ok {
			a.restarting = false
			a.entry.Timestamp = time.Now()
		}
		c.markDirty()
	case spark.EventRttChange:
		if a, ok := byNeighbor[ev.Neighbor]; ok {
			a.entry.Rtt = ev.Rtt
		}
	}
	return nil
}

func (c *Component) markDirty() { c.dirty = true }

func (c *Component) armFlap(ifName string) {
	fs, ok := c.flaps[ifName]
	if !ok {
		fs = &flapState{backoff: state.LinkMonitorFlapInitialBackoff}
		c.flaps[ifName] = fs
	} else if fs.backoff < state.LinkMonitorFlapMaxBackoff {
		fs.backoff *= 2
		if fs.backoff > state.LinkMonitorFlapMaxBackoff {
			fs.backoff = state.LinkMonitorFlapMaxBackoff
		}
	}
	if fs.timer != nil {
		fs.timer.Stop()
	}
	backoff := fs.backoff
	fs.timer = time.AfterFunc(backoff, func() {
		c.env.Dispatch(func(s *state.State) error {
			delete(state.Get[*Component](s).flaps, ifName)
			return nil
		})
	})
}

func (c *Component) flapSuppressed(ifName string) bool {
	_, suppressed := c.flaps[ifName]
	return suppressed
}

// SetNodeOverload sets or clears this node's overload bit, an operator
// override that withdraws every route transiting this node without taking
// its adjacencies down ("operator overrides").
func (c *Component) SetNodeOverload(overloaded bool) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		comp.overloaded = overloaded
		comp.markDirty()
		return nil, nil
	})
	return err
}

// SetInterfaceOverload sets or clears one interface's overload bit.
func (c *Component) SetInterfaceOverload(ifName string, overloaded bool) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		if overloaded {
			comp.ifaceOverloaded[ifName] = true
		} else {
			delete(comp.ifaceOverloaded, ifName)
		}
		comp.markDirty()
		return nil, nil
	})
	return err
}

// SetAdjacencyMetric overrides the advertised metric for one adjacency.
func (c *Component) SetAdjacencyMetric(ifName string, neighbor state.NodeId, metric uint32) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		if byNeighbor, ok := comp.adjacencies[ifName]; ok {
			if a, ok := byNeighbor[neighbor]; ok {
				m := metric
				a.metricOverride = &m
				comp.markDirty()
			}
		}
		return nil, nil
	})
	return err
}

// Snapshot returns the current AdjacencyDatabase this node would publish.
func (c *Component) Snapshot() (state.AdjacencyDatabase, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		return state.Get[*Component](s).buildDb(), nil
	})
	if err != nil {
		return state.AdjacencyDatabase{}, err
	}
	return res.(state.AdjacencyDatabase), nil
}

// buildDb deterministically selects, for each neighbor seen on more than one
// interface, the adjacency whose LocalIfName sorts lexicographically first
// ("deterministic minimum-interface-name tie-break").
func (c *Component) buildDb() state.AdjacencyDatabase {
	byNeighbor := make(map[state.NodeId]*adjacency)
	for ifName, neighbors := range c.adjacencies {
		for id, a := range neighbors {
			if a.restarting {
				continue // held, not advertised, while in grace period
			}
			best, ok := byNeighbor[id]
			if !ok || ifName < best.entry.LocalIfName {
				byNeighbor[id] = a
			}
		}
	}

	entries := make([]state.AdjacencyEntry, 0, len(byNeighbor))
	for _, a := range byNeighbor {
		e := a.entry
		if a.metricOverride != nil {
			e.Metric = *a.metricOverride
		}
		e.IsOverloaded = c.ifaceOverloaded[e.LocalIfName]
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].OtherNodeName < entries[j].OtherNodeName })

	return state.AdjacencyDatabase{
		ThisNodeName: c.self,
		IsOverloaded: c.overloaded,
		Adjacencies:  entries,
		NodeLabel:    c.nodeLabel,
	}
}

func (c *Component) publishThrottled(s *state.State) error {
	if !c.dirty || time.Now().Before(c.holdUntil) {
		return nil
	}
	c.dirty = false
	db := c.buildDb()
	payload, err := encodeAdjDb(db)
	if err != nil {
		return err
	}
	c.version++
	key := state.AdjKey(c.self)
	// publishThrottled runs as a RepeatTask callback, already on the
	// dispatch loop, so this goes through SetOnLoop rather than Set to
	// avoid nesting a DispatchWait inside the handler that's draining the
	// dispatch channel.
	return c.kv.SetOnLoop(state.DefaultArea, map[string]state.Value{
		key: {Version: c.version, OriginatorId: c.self, Value: payload, Ttl: state.TtlInfinity},
	})
}

