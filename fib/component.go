// Package fib programs Decision's computed routes into a forwarding agent,
// falling back to a full resync with exponential backoff whenever an
// incremental apply fails or the agent restarts.
package fib

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/gaissmai/bart"

	"github.com/open-r/openr/decision"
	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/linkmonitor"
	"github.com/open-r/openr/messaging"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/state"
)

// Component is Open/R's Fib module.
type Component struct {
	env  *state.Env
	self state.NodeId
	area state.Area

	dec   *decision.Component
	kv    *kvstore.Component
	lm    *linkmonitor.Component
	agent platform.ForwardingAgent

	unicast map[netip.Prefix]state.UnicastRoute
	mpls    map[uint32]state.MplsRoute
	lpm     bart.Table[state.UnicastRoute]

	dirty       bool
	backoff     time.Duration
	resyncTimer *time.Timer

	lastAliveSince int64
	version        uint64
}

func New(dec *decision.Component, kv *kvstore.Component, lm *linkmonitor.Component, agent platform.ForwardingAgent, area state.Area) *Component {
	return &Component{
		dec:     dec,
		kv:      kv,
		lm:      lm,
		agent:   agent,
		area:    area,
		unicast: make(map[netip.Prefix]state.UnicastRoute),
		mpls:    make(map[uint32]state.MplsRoute),
	}
}

func (c *Component) Init(s *state.State) error {
	c.env = s.Env
	c.self = s.Env.Config.NodeName
	c.backoff = state.FibSyncInitialBackoff

	initial, err := c.dec.RouteDb()
	if err != nil {
		return err
	}
	// Routed through DispatchWait rather than called directly: handleDelta
	// always runs as a dispatch-loop handler (it calls publishStatus, which
	// uses kv.SetOnLoop), so every call site, including this first one, must
	// actually be on the loop rather than assume it from the setup goroutine.
	if _, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, state.Get[*Component](s).handleDelta(initial)
	}); err != nil {
		return err
	}

	rd := c.dec.Routes()
	go publicationPump(c.env, rd)
	go c.pollAliveSinceLoop()

	ifRd := c.lm.InterfaceEvents()
	go interfacePump(c.env, ifRd)
	return nil
}

func (c *Component) Cleanup(s *state.State) error {
	if c.resyncTimer != nil {
		c.resyncTimer.Stop()
	}
	return nil
}

func publicationPump(env *state.Env, rd *messaging.Reader[state.RouteDatabaseDelta]) {
	for {
		select {
		case delta, ok := <-rd.Chan():
			if !ok {
				return
			}
			env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handleDelta(delta)
			})
		case <-env.Context.Done():
			return
		}
	}
}

func interfacePump(env *state.Env, rd *messaging.Reader[linkmonitor.IfaceUpdate]) {
	for {
		select {
		case ev, ok := <-rd.Chan():
			if !ok {
				return
			}
			if ev.Up {
				continue
			}
			env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handleInterfaceDown(ev.IfName)
			})
		case <-env.Context.Done():
			return
		}
	}
}

// handleInterfaceDown withdraws or shrinks every installed route whose next
// hop set transits ifName, reacting to a local link failure immediately
// instead of waiting for Decision's next SPF recompute ("interface-down
// pruning").
func (c *Component) handleInterfaceDown(ifName string) error {
	var delta state.RouteDatabaseDelta
	for prefix, r := range c.unicast {
		kept := r.NextHops[:0:0]
		for _, nh := range r.NextHops {
			if nh.IfName != ifName {
				kept = append(kept, nh)
			}
		}
		if len(kept) == len(r.NextHops) {
			continue
		}
		if len(kept) == 0 {
			delta.UnicastRoutesToDelete = append(delta.UnicastRoutesToDelete, prefix)
			continue
		}
		r.NextHops = kept
		delta.UnicastRoutesToUpdate = append(delta.UnicastRoutesToUpdate, r)
	}
	if len(delta.UnicastRoutesToUpdate) == 0 && len(delta.UnicastRoutesToDelete) == 0 {
		return nil
	}
	c.env.Log.Info("fib: pruning routes for downed interface", "iface", ifName,
		"updated", len(delta.UnicastRoutesToUpdate), "deleted", len(delta.UnicastRoutesToDelete))
	return c.handleDelta(delta)
}

// handleDelta applies one route delta to the forwarding agent. A failed
// call marks the local mirror dirty and schedules a full resync; it does
// not retry the same incremental call, since the agent's state after a
// partial failure is unknown ("Dirty-flag fallback").
func (c *Component) handleDelta(delta state.RouteDatabaseDelta) error {
	if c.env.Config.DryRun {
		c.applyLocal(delta)
		return nil
	}

	ctx := c.env.Context
	if len(delta.UnicastRoutesToUpdate) > 0 {
		if err := c.agent.AddUnicastRoutes(ctx, state.FibClientId, delta.UnicastRoutesToUpdate); err != nil {
			c.applyLocal(delta)
			c.markDirty(err)
			return nil
		}
	}
	if len(delta.UnicastRoutesToDelete) > 0 {
		if err := c.agent.DeleteUnicastRoutes(ctx, state.FibClientId, delta.UnicastRoutesToDelete); err != nil {
			c.applyLocal(delta)
			c.markDirty(err)
			return nil
		}
	}
	if len(delta.MplsRoutesToUpdate) > 0 {
		if err := c.agent.AddMplsRoutes(ctx, state.FibClientId, delta.MplsRoutesToUpdate); err != nil {
			c.applyLocal(delta)
			c.markDirty(err)
			return nil
		}
	}
	if len(delta.MplsRoutesToDelete) > 0 {
		if err := c.agent.DeleteMplsRoutes(ctx, state.FibClientId, delta.MplsRoutesToDelete); err != nil {
			c.applyLocal(delta)
			c.markDirty(err)
			return nil
		}
	}

	c.applyLocal(delta)
	c.publishStatus(false)
	return nil
}

func (c *Component) applyLocal(delta state.RouteDatabaseDelta) {
	for _, r := range delta.UnicastRoutesToUpdate {
		c.unicast[r.Prefix] = r
		c.lpm.Insert(r.Prefix, r)
	}
	for _, p := range delta.UnicastRoutesToDelete {
		delete(c.unicast, p)
		c.lpm.Delete(p)
	}
	for _, r := range delta.MplsRoutesToUpdate {
		c.mpls[r.Label] = r
	}
	for _, l := range delta.MplsRoutesToDelete {
		delete(c.mpls, l)
	}
}

// markDirty schedules a full resync, doubling the retry interval each time
// it fires and fails again, capped at FibSyncMaxBackoff.
func (c *Component) markDirty(err error) {
	c.env.Log.Warn("fib: apply failed, scheduling resync", "err", err)
	c.dirty = true
	d := c.backoff
	if d <= 0 {
		d = state.FibSyncInitialBackoff
	}
	c.scheduleResync(d)
	c.backoff = min(d*2, state.FibSyncMaxBackoff)
}

func (c *Component) scheduleResync(d time.Duration) {
	if c.resyncTimer != nil {
		c.resyncTimer.Stop()
	}
	c.resyncTimer = time.AfterFunc(d, func() {
		c.env.Dispatch(func(s *state.State) error {
			return state.Get[*Component](s).resync()
		})
	})
}

// resync pushes this node's full local route mirror to the agent via
// SyncFib/SyncMplsFib, recovering from any sequence of missed/failed
// incremental applies in one call.
func (c *Component) resync() error {
	c.resyncTimer = nil
	if !c.dirty {
		return nil
	}
	if c.env.Config.DryRun {
		c.dirty = false
		c.backoff = state.FibSyncInitialBackoff
		c.publishStatus(false)
		return nil
	}

	ctx := c.env.Context
	unicastRoutes := make([]state.UnicastRoute, 0, len(c.unicast))
	for _, r := range c.unicast {
		unicastRoutes = append(unicastRoutes, r)
	}
	if err := c.agent.SyncFib(ctx, state.FibClientId, unicastRoutes); err != nil {
		c.scheduleResync(c.backoff)
		c.backoff = min(c.backoff*2, state.FibSyncMaxBackoff)
		return nil
	}

	mplsRoutes := make([]state.MplsRoute, 0, len(c.mpls))
	for _, r := range c.mpls {
		mplsRoutes = append(mplsRoutes, r)
	}
	if err := c.agent.SyncMplsFib(ctx, state.FibClientId, mplsRoutes); err != nil {
		c.scheduleResync(c.backoff)
		c.backoff = min(c.backoff*2, state.FibSyncMaxBackoff)
		return nil
	}

	c.dirty = false
	c.backoff = state.FibSyncInitialBackoff
	c.publishStatus(false)
	return nil
}

// pollAliveSinceLoop polls the agent's restart epoch off the dispatch loop,
// since it is a blocking RPC, and re-enters via Dispatch to act on a change
// (mirrors spark's and linkmonitor's event-pump goroutines).
func (c *Component) pollAliveSinceLoop() {
	ticker := time.NewTicker(state.FibAliveSincePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.env.Context, state.FibAliveSincePoll)
			since, err := c.agent.AliveSince(ctx)
			cancel()
			if err != nil {
				continue
			}
			c.env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handleAliveSince(since)
			})
		case <-c.env.Context.Done():
			return
		}
	}
}

func (c *Component) handleAliveSince(since int64) error {
	if c.lastAliveSince != 0 && since != c.lastAliveSince {
		c.env.Log.Warn("fib: agent restart detected, forcing resync", "aliveSince", since)
		c.dirty = true
		c.backoff = state.FibSyncInitialBackoff
		c.scheduleResync(0)
	}
	c.lastAliveSince = since
	return nil
}

// publishStatus flushes a programming-timestamp record to fib:<self>,
// giving other nodes (and future ordered-FIB consumers) visibility into
// when this node last finished applying a route delta ("Fib
// status publication").
func (c *Component) publishStatus(dirty bool) {
	c.version++
	body, err := encodeStatus(Status{ProgrammedAt: time.Now(), Dirty: dirty, RouteCount: len(c.unicast)})
	if err != nil {
		c.env.Log.Warn("fib: failed encoding status", "err", err)
		return
	}
	// handleDelta/resync run as dispatch-loop handlers (via Dispatch from the
	// route-delta pump or a resync timer), so this goes through SetOnLoop
	// rather than Set to avoid nesting a DispatchWait inside them.
	if err := c.kv.SetOnLoop(c.area, map[string]state.Value{
		state.FibKey(c.self): {Version: c.version, OriginatorId: c.self, Value: body, Ttl: state.TtlInfinity},
	}); err != nil {
		c.env.Log.Warn("fib: failed publishing status", "err", err)
	}
}

// Routes returns a snapshot of currently installed unicast routes,
// exercised by the control-plane CLI's "fib list" command.
func (c *Component) Routes() (map[netip.Prefix]state.UnicastRoute, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		out := make(map[netip.Prefix]state.UnicastRoute, len(comp.unicast))
		for p, r := range comp.unicast {
			out[p] = r
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[netip.Prefix]state.UnicastRoute), nil
}

// MplsRoutes returns a snapshot of currently installed label routes,
// exercised by the control-plane CLI's "fib mpls" command.
func (c *Component) MplsRoutes() (map[uint32]state.MplsRoute, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		out := make(map[uint32]state.MplsRoute, len(comp.mpls))
		for l, r := range comp.mpls {
			out[l] = r
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[uint32]state.MplsRoute), nil
}

// Lookup performs a longest-prefix match over the installed unicast table,
// exercised by the control-plane CLI's "fib lookup <addr>" command.
func (c *Component) Lookup(addr netip.Addr) (state.UnicastRoute, bool, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		route, ok := comp.lpm.Lookup(addr)
		return lookupResult{route, ok}, nil
	})
	if err != nil {
		return state.UnicastRoute{}, false, err
	}
	r := res.(lookupResult)
	return r.route, r.ok, nil
}

type lookupResult struct {
	route state.UnicastRoute
	ok    bool
}

// Sync forces an immediate full resync, bypassing the dirty flag and
// backoff timer. Exercised by tests and the control-plane CLI's "fib sync"
// command.
func (c *Component) Sync() error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		comp.dirty = true
		if comp.resyncTimer != nil {
			comp.resyncTimer.Stop()
			comp.resyncTimer = nil
		}
		return nil, comp.resync()
	})
	return err
}

// IsDirty reports whether the local mirror currently disagrees with (or is
// waiting to recover) the forwarding agent's programmed state.
func (c *Component) IsDirty() (bool, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		return state.Get[*Component](s).dirty, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Statuses dumps every node's last-published fib: status record, exercised
// by the control-plane CLI's "fib status" command.
func (c *Component) Statuses() (map[state.NodeId]Status, error) {
	dump, err := c.kv.Dump(c.area, kvstore.Filters{KeyPrefixes: []string{"fib:"}})
	if err != nil {
		return nil, err
	}
	out := make(map[state.NodeId]Status, len(dump))
	for key, v := range dump {
		if !v.HasBody() {
			continue
		}
		node := strings.TrimPrefix(key, "fib:")
		st, err := DecodeStatus(v.Value)
		if err != nil {
			c.env.Log.Warn("fib: failed decoding peer status", "key", key, "err", err)
			continue
		}
		out[state.NodeId(node)] = st
	}
	return out, nil
}
