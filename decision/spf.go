package decision

import (
	"container/heap"

	"github.com/open-r/openr/state"
)

// spfResult is one Dijkstra run's output: shortest distance to every
// reachable node, plus the equal-cost predecessor DAG used to recover ECMP
// next hops.
type spfResult struct {
	root    state.NodeId
	dist    map[state.NodeId]uint64
	parents map[state.NodeId]map[state.NodeId]struct{}
}

type pqItem struct {
	node state.NodeId
	dist uint64
}

type nodeHeap []pqItem

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)         { *h = append(*h, x.(pqItem)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// dijkstra computes shortest distances and the equal-cost predecessor DAG
// from root. Overloaded nodes other than root are excluded as transit: their
// own edges are never relaxed, so they remain reachable only as direct
// one-hop leaves of a still-usable neighbor ("overloaded nodes
// are excluded as transit but remain reachable as direct leaves").
func dijkstra(ls *LinkState, root state.NodeId) *spfResult {
	res := &spfResult{
		root:    root,
		dist:    map[state.NodeId]uint64{root: 0},
		parents: map[state.NodeId]map[state.NodeId]struct{}{},
	}
	visited := map[state.NodeId]bool{}
	h := &nodeHeap{{node: root, dist: 0}}
	for h.Len() > 0 {
		cur := heap.Pop(h).(pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		if cur.node != root && ls.overloaded[cur.node] {
			continue
		}
		for to, entry := range ls.usableNeighbors(cur.node) {
			nd := cur.dist + uint64(entry.Metric)
			existing, ok := res.dist[to]
			switch {
			case !ok || nd < existing:
				res.dist[to] = nd
				res.parents[to] = map[state.NodeId]struct{}{cur.node: {}}
				heap.Push(h, pqItem{node: to, dist: nd})
			case nd == existing:
				res.parents[to][cur.node] = struct{}{}
			}
		}
	}
	return res
}

// nextHopNodes returns the set of root's immediate neighbor nodes that lie
// on some shortest path from root to dst, recovered by walking the
// predecessor DAG back to root. Parents strictly decrease distance from
// root, so the walk always terminates.
func (r *spfResult) nextHopNodes(dst state.NodeId) map[state.NodeId]struct{} {
	memo := make(map[state.NodeId]map[state.NodeId]struct{})
	var walk func(state.NodeId) map[state.NodeId]struct{}
	walk = func(n state.NodeId) map[state.NodeId]struct{} {
		if n == r.root {
			return nil
		}
		if m, ok := memo[n]; ok {
			return m
		}
		out := make(map[state.NodeId]struct{})
		for p := range r.parents[n] {
			if p == r.root {
				out[n] = struct{}{}
				continue
			}
			for h := range walk(p) {
				out[h] = struct{}{}
			}
		}
		memo[n] = out
		return out
	}
	return walk(dst)
}

// loopFreeAlternates computes, for each destination, neighbor next hops
// beyond the primary ECMP set that satisfy Francois/Bonaventure's loop-free
// condition: Dist(N, dst) < Dist(N, root) + Dist(root, dst). Runs one extra
// Dijkstra per usable neighbor of root ("optional LFA backup
// paths").
func loopFreeAlternates(ls *LinkState, root state.NodeId, rootSpf *spfResult, primary map[state.NodeId]map[state.NodeId]struct{}) map[state.NodeId]map[state.NodeId]struct{} {
	extra := make(map[state.NodeId]map[state.NodeId]struct{})
	neighborSpf := make(map[state.NodeId]*spfResult)
	for n := range ls.usableNeighbors(root) {
		neighborSpf[n] = dijkstra(ls, n)
	}
	for dst, rootDist := range rootSpf.dist {
		if dst == root {
			continue
		}
		for n, spfN := range neighborSpf {
			if _, already := primary[dst][n]; already {
				continue
			}
			distND, ok := spfN.dist[dst]
			if !ok {
				continue
			}
			distNRoot, ok := spfN.dist[root]
			if !ok {
				continue
			}
			if distND < distNRoot+rootDist {
				if extra[dst] == nil {
					extra[dst] = make(map[state.NodeId]struct{})
				}
				extra[dst][n] = struct{}{}
			}
		}
	}
	return extra
}

// ksp2EdgeDisjoint computes the forwarding next-hop set for the prefix
// forwarding algorithm KSP2-ED-ECMP: the primary shortest path's next hops,
// plus the next hops of a second shortest path sharing none of the first
// path's edges, if one exists. This is a two-round simplification of full
// k-shortest-path enumeration: one concrete primary path has its edges
// removed, then a fresh Dijkstra recovers the best alternative.
func ksp2EdgeDisjoint(ls *LinkState, root, dst state.NodeId) map[state.NodeId]struct{} {
	primary := dijkstra(ls, root)
	hops := primary.nextHopNodes(dst)
	if len(hops) == 0 {
		return hops
	}
	used := primaryPathEdges(primary, dst)
	pruned := ls.withoutEdges(used)
	secondary := dijkstra(pruned, root)
	if _, reachable := secondary.dist[dst]; !reachable {
		return hops
	}
	for h := range secondary.nextHopNodes(dst) {
		hops[h] = struct{}{}
	}
	return hops
}

// primaryPathEdges walks one concrete shortest path from dst back to root,
// picking an arbitrary parent at each tie, and returns the edges it used.
func primaryPathEdges(r *spfResult, dst state.NodeId) map[edgeID]struct{} {
	edges := make(map[edgeID]struct{})
	cur := dst
	for cur != r.root {
		var parent state.NodeId
		found := false
		for p := range r.parents[cur] {
			parent = p
			found = true
			break
		}
		if !found {
			break
		}
		edges[newEdgeID(cur, parent)] = struct{}{}
		cur = parent
	}
	return edges
}
