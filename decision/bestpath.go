package decision

import "github.com/open-r/openr/state"

// advertisement pairs a PrefixEntry with the node that originated it.
type advertisement struct {
	node  state.NodeId
	entry state.PrefixEntry
}

// selectBestPath returns the subset of same-prefix advertisements that
// share the winning route, per the best-path tie-break chain:
// PrefixType rank, then MetricVector (lexicographic, lower wins), then IGP
// distance from this node. Every advertisement that ties with the best on
// all three survives, e.g. true anycast from equally distant nodes.
func selectBestPath(ads []advertisement, dist map[state.NodeId]uint64) []advertisement {
	if len(ads) == 0 {
		return nil
	}
	best := ads[0]
	for _, a := range ads[1:] {
		if comparePath(a, best, dist) < 0 {
			best = a
		}
	}
	winners := make([]advertisement, 0, 1)
	for _, a := range ads {
		if comparePath(a, best, dist) == 0 {
			winners = append(winners, a)
		}
	}
	return winners
}

// comparePath orders a before b (returns <0) when a should win the tie-break.
func comparePath(a, b advertisement, dist map[state.NodeId]uint64) int {
	if a.entry.Type != b.entry.Type {
		if a.entry.Type.Preferred(b.entry.Type) {
			return -1
		}
		return 1
	}
	if c := compareMetricVector(a.entry.MetricVector, b.entry.MetricVector); c != 0 {
		return c
	}
	da, oka := dist[a.node]
	db, okb := dist[b.node]
	switch {
	case oka && okb && da != db:
		if da < db {
			return -1
		}
		return 1
	case oka != okb:
		// Reachable beats unreachable.
		if oka {
			return -1
		}
		return 1
	}
	return 0
}

// compareMetricVector compares lexicographically; a shorter vector that
// agrees on every shared entry with a longer one is considered smaller.
func compareMetricVector(a, b []int32) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return 0
}
