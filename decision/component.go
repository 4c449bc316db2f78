// Package decision computes shortest paths and best routes from the
// link-state and prefix databases flooded through KvStore.
package decision

import (
	"net/netip"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/linkmonitor"
	"github.com/open-r/openr/messaging"
	"github.com/open-r/openr/prefixmgr"
	"github.com/open-r/openr/state"
)

// decisionSpfCacheSize bounds the per-destination KSP2-ED-ECMP next-hop
// cache; several prefixes winning to the same node reuse one cached SPF
// result instead of rerunning Dijkstra per prefix.
const decisionSpfCacheSize = 1024

// Component is Open/R's Decision module. It keeps a LinkState graph and a
// per-node prefix table fed by KvStore, and recomputes best paths on a
// min/max-debounced timer so a burst of flooding only triggers one SPF run
// ("debounced recomputation").
type Component struct {
	env  *state.Env
	self state.NodeId
	area state.Area

	kv *kvstore.Component

	ls                 *LinkState
	monolithicPrefixes map[state.NodeId]state.PrefixDatabase
	perPrefixEntries   map[state.NodeId]map[netip.Prefix]state.PrefixEntry

	installedPrefixes map[netip.Prefix]bool
	installedLabels   map[uint32]bool
	lastRoutes        state.RouteDatabaseDelta

	// rawAdj and overloadHold implement ordered-FIB hold-on-transition: an
	// edge's overload bit only takes effect in ls once it has survived
	// DecisionHoldTicks recompute cycles unchanged ("Ordered FIB
	// programming"). Only used when EnableOrderedFib is set.
	rawAdj       map[state.NodeId]state.AdjacencyDatabase
	overloadHold map[edgeHoldKey]*state.Holdable[bool]
	metricHold   map[edgeHoldKey]*state.Holdable[uint32]

	// spfCache memoizes per-destination KSP2-ED-ECMP next-hop sets within
	// one recompute; it's purged at the start of every computeRouteDb run
	// since the link-state graph may have changed underneath it.
	spfCache *lru.Cache[state.NodeId, map[state.NodeId]struct{}]

	routes *messaging.ReplicateQueue[state.RouteDatabaseDelta]

	pendingAdj    bool
	pendingPrefix bool
	debounceSince time.Time
	debounceTimer *time.Timer
}

func New(kv *kvstore.Component, area state.Area) *Component {
	cache, _ := lru.New[state.NodeId, map[state.NodeId]struct{}](decisionSpfCacheSize)
	return &Component{
		kv:                 kv,
		area:               area,
		ls:                 newLinkState(),
		monolithicPrefixes: make(map[state.NodeId]state.PrefixDatabase),
		perPrefixEntries:   make(map[state.NodeId]map[netip.Prefix]state.PrefixEntry),
		installedPrefixes:  make(map[netip.Prefix]bool),
		installedLabels:    make(map[uint32]bool),
		rawAdj:             make(map[state.NodeId]state.AdjacencyDatabase),
		overloadHold:       make(map[edgeHoldKey]*state.Holdable[bool]),
		metricHold:         make(map[edgeHoldKey]*state.Holdable[uint32]),
		spfCache:           cache,
		routes:             messaging.NewReplicateQueue[state.RouteDatabaseDelta](),
	}
}

// edgeHoldKey identifies one directed half-edge's overload hold timer.
type edgeHoldKey struct{ node, neighbor state.NodeId }

func (c *Component) Init(s *state.State) error {
	c.env = s.Env
	c.self = s.Env.Config.NodeName

	seed, err := c.kv.Dump(c.area, kvstore.Filters{})
	if err != nil {
		return err
	}
	for key, v := range seed {
		c.applyKey(key, v)
	}

	rd, err := c.kv.Subscribe(c.area)
	if err != nil {
		return err
	}
	go publicationPump(c.env, rd)
	return nil
}

func (c *Component) Cleanup(s *state.State) error {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	return nil
}

func publicationPump(env *state.Env, rd *messaging.Reader[state.Publication]) {
	for {
		select {
		case pub, ok := <-rd.Chan():
			if !ok {
				return
			}
			env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handlePublication(pub)
			})
		case <-env.Context.Done():
			return
		}
	}
}

func (c *Component) handlePublication(pub state.Publication) error {
	for key, v := range pub.KeyVals {
		c.applyKey(key, v)
	}
	for _, key := range pub.ExpiredKeys {
		c.applyKey(key, state.Value{})
	}
	return nil
}

// applyKey folds one KvStore key/value into the topology or prefix table. A
// zero-value Value (no body) is treated as an expiry/withdrawal.
func (c *Component) applyKey(key string, v state.Value) {
	switch {
	case strings.HasPrefix(key, adjKeyPrefix):
		node := state.NodeId(strings.TrimPrefix(key, adjKeyPrefix))
		if !v.HasBody() {
			c.ls.remove(node)
			delete(c.rawAdj, node)
			for k := range c.overloadHold {
				if k.node == node {
					delete(c.overloadHold, k)
				}
			}
			for k := range c.metricHold {
				if k.node == node {
					delete(c.metricHold, k)
				}
			}
			c.markPending(true, false)
			return
		}
		db, err := linkmonitor.DecodeAdjDb(v.Value)
		if err != nil {
			c.env.Log.Warn("decision: failed decoding adjacency database", "key", key, "err", err)
			return
		}
		c.rawAdj[node] = db
		c.ls.update(c.dampenOverload(db))
		c.markPending(true, false)

	case strings.HasPrefix(key, prefixKeyPrefix):
		node, areaStr, prefixStr, monolithic, ok := parsePrefixKey(key)
		if !ok {
			return
		}
		if monolithic {
			c.applyMonolithicPrefixDb(state.NodeId(node), v)
			return
		}
		_ = areaStr // per-prefix keys are already scoped to this component's area
		c.applyPerPrefixEntry(state.NodeId(node), prefixStr, v)
	}
}

func (c *Component) applyMonolithicPrefixDb(node state.NodeId, v state.Value) {
	if !v.HasBody() {
		delete(c.monolithicPrefixes, node)
		c.markPending(false, true)
		return
	}
	db, err := prefixmgr.DecodePrefixDb(v.Value)
	if err != nil {
		c.env.Log.Warn("decision: failed decoding prefix database", "node", node, "err", err)
		return
	}
	c.monolithicPrefixes[node] = db
	c.markPending(false, true)
}

func (c *Component) applyPerPrefixEntry(node state.NodeId, prefixStr string, v state.Value) {
	prefix, err := netip.ParsePrefix(prefixStr)
	if err != nil {
		c.env.Log.Warn("decision: unparseable per-prefix key", "prefix", prefixStr, "err", err)
		return
	}
	m, ok := c.perPrefixEntries[node]
	if !ok {
		m = make(map[netip.Prefix]state.PrefixEntry)
		c.perPrefixEntries[node] = m
	}
	if !v.HasBody() {
		delete(m, prefix)
		c.markPending(false, true)
		return
	}
	entry, err := prefixmgr.DecodePrefixEntry(v.Value)
	if err != nil {
		c.env.Log.Warn("decision: failed decoding per-prefix entry", "prefix", prefixStr, "err", err)
		return
	}
	if entry.DeletePrefix {
		delete(m, prefix)
	} else {
		m[prefix] = entry
	}
	c.markPending(false, true)
}

// markPending records that adjacency and/or prefix state changed and
// (re)arms the min/max debounce timer: the first change in a burst starts a
// DecisionDebounceMin timer; each further change before it fires re-arms it,
// but never later than DecisionDebounceMax after the first change in the
// burst ("debounced recomputation").
func (c *Component) markPending(adjChanged, prefixChanged bool) {
	if adjChanged {
		c.pendingAdj = true
	}
	if prefixChanged {
		c.pendingPrefix = true
	}
	now := time.Now()
	if c.debounceTimer == nil {
		c.debounceSince = now
		c.armDebounce(state.DecisionDebounceMin)
		return
	}
	wait := state.DecisionDebounceMin
	if remaining := state.DecisionDebounceMax - now.Sub(c.debounceSince); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	c.debounceTimer.Stop()
	c.armDebounce(wait)
}

func (c *Component) armDebounce(d time.Duration) {
	c.debounceTimer = time.AfterFunc(d, func() {
		c.env.Dispatch(func(s *state.State) error {
			return state.Get[*Component](s).flushPending()
		})
	})
}

func (c *Component) flushPending() error {
	c.debounceTimer = nil
	if !c.pendingAdj && !c.pendingPrefix {
		return nil
	}
	c.pendingAdj = false
	c.pendingPrefix = false
	if c.env.Config.EnableOrderedFib {
		c.tickHolds()
	}
	delta := c.computeRouteDb()
	c.lastRoutes = delta
	c.routes.Push(delta)
	return nil
}

// dampenOverload replaces every half-edge's IsOverloaded bit and Metric in
// db with their held values, staging the raw values for promotion on the
// next tickHolds. A no-op when ordered FIB holds are disabled.
func (c *Component) dampenOverload(db state.AdjacencyDatabase) state.AdjacencyDatabase {
	if !c.env.Config.EnableOrderedFib {
		return db
	}
	out := db
	out.Adjacencies = make([]state.AdjacencyEntry, len(db.Adjacencies))
	for i, a := range db.Adjacencies {
		key := edgeHoldKey{db.ThisNodeName, a.OtherNodeName}

		oh, ok := c.overloadHold[key]
		if !ok {
			held := state.NewHoldable(a.IsOverloaded)
			oh = &held
			c.overloadHold[key] = oh
		}
		oh.Set(a.IsOverloaded, state.DecisionHoldTicks)
		a.IsOverloaded = oh.Current

		mh, ok := c.metricHold[key]
		if !ok {
			held := state.NewHoldable(a.Metric)
			mh = &held
			c.metricHold[key] = mh
		}
		mh.Set(a.Metric, state.DecisionHoldTicks)
		a.Metric = mh.Current

		out.Adjacencies[i] = a
	}
	return out
}

// tickHolds advances every armed overload/metric hold timer by one recompute
// cycle, re-applying any node whose held edges just transitioned.
func (c *Component) tickHolds() {
	changed := make(map[state.NodeId]struct{})
	for key, h := range c.overloadHold {
		if h.Tick() {
			changed[key.node] = struct{}{}
		}
	}
	for key, h := range c.metricHold {
		if h.Tick() {
			changed[key.node] = struct{}{}
		}
	}
	for node := range changed {
		if db, ok := c.rawAdj[node]; ok {
			c.ls.update(c.dampenOverload(db))
		}
	}
}

// Routes returns a stream of route database deltas, consumed by Fib.
func (c *Component) Routes() *messaging.Reader[state.RouteDatabaseDelta] {
	return c.routes.GetReader(64)
}

// AdjacencyDbs returns every node's currently known adjacency database,
// exercised by the control-plane CLI's "decision adj" command.
func (c *Component) AdjacencyDbs() (map[state.NodeId]state.AdjacencyDatabase, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		out := make(map[state.NodeId]state.AdjacencyDatabase, len(comp.ls.adj))
		for node, edges := range comp.ls.adj {
			entries := make([]state.AdjacencyEntry, 0, len(edges))
			for _, e := range edges {
				entries = append(entries, e)
			}
			out[node] = state.AdjacencyDatabase{
				ThisNodeName: node,
				IsOverloaded: comp.ls.overloaded[node],
				Adjacencies:  entries,
				NodeLabel:    comp.ls.nodeLabel[node],
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[state.NodeId]state.AdjacencyDatabase), nil
}

// PrefixDbs returns every node's currently known prefix advertisements,
// flattening both monolithic and per-prefix-key sources, exercised by the
// control-plane CLI's "decision prefixes" command.
func (c *Component) PrefixDbs() (map[state.NodeId][]state.PrefixEntry, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		out := make(map[state.NodeId][]state.PrefixEntry)
		for node, db := range comp.monolithicPrefixes {
			out[node] = append(out[node], db.PrefixEntries...)
		}
		for node, entries := range comp.perPrefixEntries {
			for _, e := range entries {
				out[node] = append(out[node], e)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[state.NodeId][]state.PrefixEntry), nil
}

// RouteDb returns the most recently computed route delta, exercised by the
// control-plane CLI's "decision routes" command.
func (c *Component) RouteDb() (state.RouteDatabaseDelta, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		return state.Get[*Component](s).lastRoutes, nil
	})
	if err != nil {
		return state.RouteDatabaseDelta{}, err
	}
	return res.(state.RouteDatabaseDelta), nil
}

// Recompute forces an immediate SPF run, bypassing the debounce timer.
// Exercised by tests.
func (c *Component) Recompute() (state.RouteDatabaseDelta, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		if comp.debounceTimer != nil {
			comp.debounceTimer.Stop()
			comp.debounceTimer = nil
		}
		comp.pendingAdj = false
		comp.pendingPrefix = false
		if comp.env.Config.EnableOrderedFib {
			comp.tickHolds()
		}
		delta := comp.computeRouteDb()
		comp.lastRoutes = delta
		comp.routes.Push(delta)
		return delta, nil
	})
	if err != nil {
		return state.RouteDatabaseDelta{}, err
	}
	return res.(state.RouteDatabaseDelta), nil
}
