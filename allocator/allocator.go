// Package allocator implements Open/R's range allocator: a KvStore-backed
// compare-and-swap used to
// elect a unique integer out of a bounded range, by both LinkMonitor (node
// label) and PrefixAllocator (subprefix index). The same
// hash-then-claim-then-retry shape as a local port allocator, generalized
// here to run over KvStore instead of in-process state.
package allocator

import (
	"fmt"
	"hash/fnv"

	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/state"
)

// Store is the subset of kvstore.Component an allocator needs.
type Store interface {
	Get(area state.Area, key string) (state.Value, bool, error)
	Set(area state.Area, kv map[string]state.Value) error
}

// Claim elects a unique index in [0, rangeSize) for originator, avoiding any
// index already set in avoid. It hashes originator to a starting index and
// probes forward on collision with a differently-preferred owner, matching
// the "hash node-name into range, attempt claim, on conflict re-hash"
// rule. When the key already exists: if its value names us, we keep it (restart case); otherwise we move on only if the
// existing owner outranks us lexicographically, else we steal it back per
// "originator-preference".
func Claim(store Store, area state.Area, keyOf func(index uint64) string, originator state.NodeId, rangeSize uint64, avoid map[uint64]bool) (uint64, error) {
	if rangeSize == 0 {
		return 0, fmt.Errorf("allocator: empty range")
	}
	start := hashIndex(originator, rangeSize)
	for attempt := uint64(0); attempt < rangeSize; attempt++ {
		idx := (start + attempt) % rangeSize
		if avoid[idx] {
			continue
		}
		key := keyOf(idx)
		existing, ok, err := store.Get(area, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			if err := store.Set(area, map[string]state.Value{
				key: {Version: 1, OriginatorId: originator, Value: []byte(originator), Ttl: state.TtlInfinity},
			}); err != nil {
				return 0, err
			}
			return idx, nil
		}
		if string(existing.Value) == string(originator) {
			return idx, nil // already ours, e.g. across a restart
		}
		if originator < existing.OriginatorId {
			// We outrank the current holder; reclaim with a higher version.
			if err := store.Set(area, map[string]state.Value{
				key: {Version: existing.Version + 1, OriginatorId: originator, Value: []byte(originator), Ttl: state.TtlInfinity},
			}); err != nil {
				return 0, err
			}
			return idx, nil
		}
		// Outranked; probe the next index.
	}
	return 0, fmt.Errorf("allocator: no free index in range of %d", rangeSize)
}

// Release withdraws a previously claimed index by tombstoning its key.
func Release(store Store, area state.Area, keyOf func(index uint64) string, index uint64, originator state.NodeId) error {
	key := keyOf(index)
	existing, ok, err := store.Get(area, key)
	if err != nil {
		return err
	}
	if !ok || string(existing.Value) != string(originator) {
		return nil
	}
	return store.Set(area, map[string]state.Value{
		key: {Version: existing.Version + 1, OriginatorId: originator, Value: []byte{}, Ttl: state.TtlInfinity},
	})
}

func hashIndex(originator state.NodeId, rangeSize uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(originator))
	return h.Sum64() % rangeSize
}

var _ Store = (*kvstore.Component)(nil)
