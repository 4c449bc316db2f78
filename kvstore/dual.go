package kvstore

import "github.com/open-r/openr/state"

// DualMessage carries one parent/child declaration for the DUAL-style flood
// spanning tree overlay ("Flood optimization overlay"). Real
// Open/R exchanges FloodTopoSet declarations plus DUAL distance updates
// per root; we model the externally-visible effect (who my flood children
// are for a given root) without reimplementing full DUAL diffusing
// computation, since only the resulting fan-out set is load-bearing for
// correctness (the algorithm is explicitly self-stabilizing: absent a
// topology, flooding collapses to all-peers, never dropping updates).
type DualMessage struct {
	Root    state.NodeId
	Peer    string
	IsChild bool
}

// DualOverlay tracks, per flood-root, which peers are this node's flood
// children. When disabled or when a root has no recorded topology yet,
// FloodTargets returns every peer (all-peers flooding).
type DualOverlay struct {
	Enabled  bool
	children map[state.NodeId]map[string]bool
}

func NewDualOverlay(enabled bool) *DualOverlay {
	return &DualOverlay{Enabled: enabled, children: make(map[state.NodeId]map[string]bool)}
}

func (d *DualOverlay) Process(msg DualMessage) {
	m, ok := d.children[msg.Root]
	if !ok {
		m = make(map[string]bool)
		d.children[msg.Root] = m
	}
	if msg.IsChild {
		m[msg.Peer] = true
	} else {
		delete(m, msg.Peer)
	}
}

// FloodTargets returns the fan-out set for a publication originated by root,
// given the full peer set.
func (d *DualOverlay) FloodTargets(root state.NodeId, allPeers []*Peer) []*Peer {
	if !d.Enabled {
		return allPeers
	}
	children, ok := d.children[root]
	if !ok || len(children) == 0 {
		return allPeers
	}
	out := make([]*Peer, 0, len(children))
	for _, p := range allPeers {
		if children[p.Name] {
			out = append(out, p)
		}
	}
	return out
}
