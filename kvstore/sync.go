package kvstore

import "github.com/open-r/openr/state"

// ComputeSyncDiff implements the responder's half of the 3-way
// full sync: for every locally-held key the peer lacks or has stale, return
// the full value; for every key the peer holds that we lack or that is
// newer than ours, ask for it back via ToBeUpdatedKeys.
func ComputeSyncDiff(local *Store, filter Filters, peerHashes map[string]state.Value) KeyDumpResponse {
	resp := KeyDumpResponse{Values: make(map[string]state.Value)}
	seen := make(map[string]struct{}, len(local.values))
	for k, v := range local.values {
		if !filter.Match(k, string(v.OriginatorId)) {
			continue
		}
		seen[k] = struct{}{}
		peerV, has := peerHashes[k]
		if !has {
			resp.Values[k] = v
			continue
		}
		switch state.CompareValues(v.Hashed(), peerV) {
		case state.CmpGreater:
			resp.Values[k] = v
		case state.CmpLess, state.CmpUnknown:
			resp.ToBeUpdatedKeys = append(resp.ToBeUpdatedKeys, k)
		case state.CmpEqual:
			// already in sync
		}
	}
	for k := range peerHashes {
		if _, ok := seen[k]; ok {
			continue
		}
		// Peer claims a key we've never seen at all.
		resp.ToBeUpdatedKeys = append(resp.ToBeUpdatedKeys, k)
	}
	return resp
}
