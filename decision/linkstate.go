package decision

import "github.com/open-r/openr/state"

// LinkState is the per-area topology graph Decision runs shortest-path
// computations over, assembled from every node's adjacency database
// ("LinkState").
type LinkState struct {
	adj        map[state.NodeId]map[state.NodeId]state.AdjacencyEntry
	overloaded map[state.NodeId]bool
	nodeLabel  map[state.NodeId]uint32
}

func newLinkState() *LinkState {
	return &LinkState{
		adj:        make(map[state.NodeId]map[state.NodeId]state.AdjacencyEntry),
		overloaded: make(map[state.NodeId]bool),
		nodeLabel:  make(map[state.NodeId]uint32),
	}
}

// update replaces node's announced half-edges with the contents of a fresh
// adjacency database.
func (ls *LinkState) update(db state.AdjacencyDatabase) {
	m := make(map[state.NodeId]state.AdjacencyEntry, len(db.Adjacencies))
	for _, a := range db.Adjacencies {
		m[a.OtherNodeName] = a
	}
	ls.adj[db.ThisNodeName] = m
	ls.overloaded[db.ThisNodeName] = db.IsOverloaded
	ls.nodeLabel[db.ThisNodeName] = db.NodeLabel
}

func (ls *LinkState) remove(node state.NodeId) {
	delete(ls.adj, node)
	delete(ls.overloaded, node)
	delete(ls.nodeLabel, node)
}

func (ls *LinkState) nodes() []state.NodeId {
	out := make([]state.NodeId, 0, len(ls.adj))
	for n := range ls.adj {
		out = append(out, n)
	}
	return out
}

// usableNeighbors returns node's outgoing half-edges that are safe to
// traverse: the peer must have announced a matching half-edge back (an
// adjacency only one side has heard of is still converging and shouldn't be
// used yet), and the local side must not be interface-overloaded.
func (ls *LinkState) usableNeighbors(node state.NodeId) map[state.NodeId]state.AdjacencyEntry {
	out := make(map[state.NodeId]state.AdjacencyEntry)
	for to, entry := range ls.adj[node] {
		if entry.IsOverloaded {
			continue
		}
		if _, back := ls.adj[to][node]; !back {
			continue
		}
		out[to] = entry
	}
	return out
}

// withoutEdges returns a copy of ls with every edge in excluded removed from
// both directions, used by the edge-disjoint second path search.
func (ls *LinkState) withoutEdges(excluded map[edgeID]struct{}) *LinkState {
	pruned := newLinkState()
	for n, neighbors := range ls.adj {
		m := make(map[state.NodeId]state.AdjacencyEntry, len(neighbors))
		for to, entry := range neighbors {
			if _, cut := excluded[newEdgeID(n, to)]; cut {
				continue
			}
			m[to] = entry
		}
		pruned.adj[n] = m
	}
	for n, v := range ls.overloaded {
		pruned.overloaded[n] = v
	}
	for n, v := range ls.nodeLabel {
		pruned.nodeLabel[n] = v
	}
	return pruned
}

// edgeID identifies a physical link independent of which endpoint is
// "from"; used to subtract a path's edges from the graph for KSP2.
type edgeID struct{ a, b state.NodeId }

func newEdgeID(a, b state.NodeId) edgeID {
	if a > b {
		a, b = b, a
	}
	return edgeID{a, b}
}
