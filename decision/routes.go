package decision

import (
	"net/netip"
	"sort"

	"github.com/open-r/openr/state"
)

// computeRouteDb runs Dijkstra from this node, selects best paths for every
// known prefix, and diffs the result against what was installed on the
// previous run ("Output").
func (c *Component) computeRouteDb() state.RouteDatabaseDelta {
	ls := c.ls
	root := c.self
	c.spfCache.Purge()

	spf := dijkstra(ls, root)
	primaryHops := make(map[state.NodeId]map[state.NodeId]struct{}, len(ls.adj))
	for _, n := range ls.nodes() {
		if n == root {
			continue
		}
		primaryHops[n] = spf.nextHopNodes(n)
	}

	var lfa map[state.NodeId]map[state.NodeId]struct{}
	if c.env.Config.EnableLfa {
		lfa = loopFreeAlternates(ls, root, spf, primaryHops)
	}

	var delta state.RouteDatabaseDelta
	newPrefixes := make(map[netip.Prefix]bool)

	for prefix, ads := range c.collectPrefixAdvertisements() {
		winners := selectBestPath(ads, spf.dist)
		if len(winners) == 0 {
			continue
		}
		if anyWinnerIsSelf(winners, root) {
			// Self-originated: nothing to install in this node's own FIB.
			continue
		}

		hops := make(map[state.NodeId]struct{})
		for _, w := range winners {
			var nh map[state.NodeId]struct{}
			if w.entry.ForwardingAlgorithm == state.ForwardingAlgoKsp2EdEcmp {
				if cached, ok := c.spfCache.Get(w.node); ok {
					nh = cached
				} else {
					nh = ksp2EdgeDisjoint(ls, root, w.node)
					c.spfCache.Add(w.node, nh)
				}
			} else {
				nh = primaryHops[w.node]
			}
			for h := range nh {
				hops[h] = struct{}{}
			}
			if lfa != nil {
				for h := range lfa[w.node] {
					hops[h] = struct{}{}
				}
			}
		}
		if len(hops) == 0 {
			continue // unreachable; treat as withdrawn
		}

		route := state.UnicastRoute{Prefix: prefix}
		for h := range hops {
			entry, ok := ls.adj[root][h]
			if !ok {
				continue
			}
			addr := entry.NextHopV6
			if prefix.Addr().Is4() {
				addr = entry.NextHopV4
			}
			route.NextHops = append(route.NextHops, state.RouteNextHop{
				Node: h, IfName: entry.LocalIfName, Addr: addr, AdjLabel: entry.AdjLabel, Metric: entry.Metric,
			})
		}
		if len(route.NextHops) == 0 {
			continue
		}
		sort.Slice(route.NextHops, func(i, j int) bool { return route.NextHops[i].Node < route.NextHops[j].Node })

		newPrefixes[prefix] = true
		delta.UnicastRoutesToUpdate = append(delta.UnicastRoutesToUpdate, route)
	}

	for p := range c.installedPrefixes {
		if !newPrefixes[p] {
			delta.UnicastRoutesToDelete = append(delta.UnicastRoutesToDelete, p)
		}
	}
	c.installedPrefixes = newPrefixes

	if c.env.Config.EnableSegmentRouting {
		delta.MplsRoutesToUpdate, delta.MplsRoutesToDelete = c.computeMplsRoutes(ls, primaryHops)
	}

	sort.Slice(delta.UnicastRoutesToUpdate, func(i, j int) bool {
		return delta.UnicastRoutesToUpdate[i].Prefix.String() < delta.UnicastRoutesToUpdate[j].Prefix.String()
	})
	delta.PerfEvents = []state.PerfEvent{{Name: "DECISION_SPF_DONE"}}
	return delta
}

func anyWinnerIsSelf(winners []advertisement, self state.NodeId) bool {
	for _, w := range winners {
		if w.node == self {
			return true
		}
	}
	return false
}

// collectPrefixAdvertisements flattens both monolithic and per-prefix-key
// sources into one map of prefix to every node currently advertising it.
func (c *Component) collectPrefixAdvertisements() map[netip.Prefix][]advertisement {
	out := make(map[netip.Prefix][]advertisement)
	for node, db := range c.monolithicPrefixes {
		for _, e := range db.PrefixEntries {
			out[e.Prefix] = append(out[e.Prefix], advertisement{node: node, entry: e})
		}
	}
	for node, entries := range c.perPrefixEntries {
		for prefix, e := range entries {
			out[prefix] = append(out[prefix], advertisement{node: node, entry: e})
		}
	}
	return out
}

// computeMplsRoutes builds SR label routes: one node-label route per
// reachable node advertising a label, ECMP over its shortest-path next hops,
// plus one adjacency-label route per direct neighbor ("SR MPLS").
func (c *Component) computeMplsRoutes(ls *LinkState, primaryHops map[state.NodeId]map[state.NodeId]struct{}) ([]state.MplsRoute, []uint32) {
	installed := make(map[uint32]bool)
	var updates []state.MplsRoute

	for _, n := range ls.nodes() {
		if n == c.self {
			continue
		}
		label := ls.nodeLabel[n]
		if label == 0 {
			continue
		}
		hops := primaryHops[n]
		if len(hops) == 0 {
			continue
		}
		route := state.MplsRoute{Label: label, Action: state.MplsActionNodeLabel}
		for h := range hops {
			entry := ls.adj[c.self][h]
			route.NextHops = append(route.NextHops, state.RouteNextHop{
				Node: h, IfName: entry.LocalIfName, Addr: entry.NextHopV6, AdjLabel: entry.AdjLabel, Metric: entry.Metric,
			})
		}
		sort.Slice(route.NextHops, func(i, j int) bool { return route.NextHops[i].Node < route.NextHops[j].Node })
		updates = append(updates, route)
		installed[label] = true
	}

	for to, entry := range ls.adj[c.self] {
		if entry.AdjLabel == 0 {
			continue
		}
		updates = append(updates, state.MplsRoute{
			Label:  entry.AdjLabel,
			Action: state.MplsActionAdjLabel,
			NextHops: []state.RouteNextHop{{
				Node: to, IfName: entry.LocalIfName, Addr: entry.NextHopV6, AdjLabel: entry.AdjLabel, Metric: entry.Metric,
			}},
		})
		installed[entry.AdjLabel] = true
	}

	var deletes []uint32
	for label := range c.installedLabels {
		if !installed[label] {
			deletes = append(deletes, label)
		}
	}
	c.installedLabels = installed
	sort.Slice(updates, func(i, j int) bool { return updates[i].Label < updates[j].Label })
	return updates, deletes
}
