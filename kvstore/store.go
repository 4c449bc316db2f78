package kvstore

import (
	"time"

	"github.com/open-r/openr/state"
)

// Store is the pure in-memory data structure for one area: the versioned key
// space, the TTL countdown queue, and the merge algorithm ("mergeKeyValues"). It has no notion of peers or transport - that lives in
// Component, one layer up - matching the "the KvStore map is owned by
// the KvStore thread; other threads access it only through the operation
// API".
type Store struct {
	area    state.Area
	values  map[string]state.Value
	ttl     *ttlQueue
	wanted  map[string]struct{} // keys we want the full body for (CmpUnknown)
}

func NewStore(area state.Area) *Store {
	return &Store{
		area:   area,
		values: make(map[string]state.Value),
		ttl:    newTtlQueue(),
		wanted: make(map[string]struct{}),
	}
}

func (s *Store) Get(key string) (state.Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Dump returns every key matching filter, full values included.
func (s *Store) Dump(filter Filters) map[string]state.Value {
	out := make(map[string]state.Value)
	for k, v := range s.values {
		if filter.Match(k, string(v.OriginatorId)) {
			out[k] = v
		}
	}
	return out
}

// DumpHashes is Dump but with only the Hash field populated - used by sync.
func (s *Store) DumpHashes(filter Filters) map[string]state.Value {
	out := make(map[string]state.Value)
	for k, v := range s.values {
		if filter.Match(k, string(v.OriginatorId)) {
			out[k] = v.HashOnly()
		}
	}
	return out
}

func (s *Store) Len() int { return len(s.values) }

// absoluteExpiry converts a Value's "remaining ms at transmission" TTL into
// an absolute deadline, or 0 if the value never expires.
func absoluteExpiry(v state.Value, now time.Time) int64 {
	if v.Ttl == state.TtlInfinity {
		return 0
	}
	return now.UnixMilli() + v.Ttl
}

// MergeResult reports the outcome of merging an incoming batch, matching
// the numbered steps: Accepted feeds the outbound flood delta,
// Refreshed keys don't (TTL-only refresh), Unknown keys need their full
// body requested on the next sync opportunity.
type MergeResult struct {
	Accepted map[string]state.Value
	Unknown  []string
}

// MergeKeyValues applies the comparison-and-merge algorithm to an
// incoming batch. filter is applied first; rejected keys are dropped
// silently, matching "drop" in step 1.
func (s *Store) MergeKeyValues(incoming map[string]state.Value, filter Filters, now time.Time) MergeResult {
	res := MergeResult{Accepted: make(map[string]state.Value)}
	for k, in := range incoming {
		if !filter.Match(k, string(in.OriginatorId)) {
			continue
		}
		local, exists := s.values[k]
		if !exists {
			if in.Ttl != state.TtlInfinity && time.Duration(in.Ttl)*time.Millisecond < state.KvStoreMinTtlToAdd {
				continue
			}
			s.values[k] = in
			s.reschedule(k, in, now)
			res.Accepted[k] = in
			continue
		}
		switch state.CompareValues(in, local) {
		case state.CmpGreater:
			s.values[k] = in
			s.reschedule(k, in, now)
			res.Accepted[k] = in
		case state.CmpLess:
			// drop
		case state.CmpEqual:
			if in.TtlVersion > local.TtlVersion {
				merged := local
				merged.Ttl = in.Ttl
				merged.TtlVersion = in.TtlVersion
				s.values[k] = merged
				s.reschedule(k, merged, now)
			}
			// else: drop, nothing changed
		case state.CmpUnknown:
			UnknownComparisons.WithLabelValues(string(s.area)).Inc()
			res.Unknown = append(res.Unknown, k)
			s.wanted[k] = struct{}{}
		}
	}
	NumKeys.WithLabelValues(string(s.area)).Set(float64(len(s.values)))
	return res
}

// SetLocal applies an originator-authored write - used by this node's own
// components (LinkMonitor's adj:, PrefixManager's prefix:, etc.) to publish
// under their own name. It bypasses filter/CmpUnknown handling since the
// originator's own writes are always accepted verbatim if they advance the
// comparison order.
func (s *Store) SetLocal(key string, v state.Value, now time.Time) bool {
	res := s.MergeKeyValues(map[string]state.Value{key: v}, Filters{}, now)
	_, ok := res.Accepted[key]
	return ok
}

func (s *Store) reschedule(key string, v state.Value, now time.Time) {
	if v.Ttl == state.TtlInfinity {
		s.ttl.Remove(key)
		return
	}
	s.ttl.Upsert(key, v.Version, absoluteExpiry(v, now))
}

// ExpireDue removes every value whose TTL has elapsed as of now, returning
// their keys for the next publication's expired_keys (step 4).
func (s *Store) ExpireDue(now time.Time) []string {
	due := s.ttl.PopExpired(now.UnixMilli())
	if len(due) == 0 {
		return nil
	}
	var expired []string
	for _, e := range due {
		if v, ok := s.values[e.key]; ok && v.Version == e.version {
			delete(s.values, e.key)
			expired = append(expired, e.key)
			TtlExpiries.WithLabelValues(string(s.area)).Inc()
		}
	}
	NumKeys.WithLabelValues(string(s.area)).Set(float64(len(s.values)))
	return expired
}

// ApplyExpiry deletes keys a peer has flooded as expired, returning the
// subset that was actually present locally so callers only re-propagate
// genuine changes.
func (s *Store) ApplyExpiry(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	var applied []string
	for _, k := range keys {
		if _, ok := s.values[k]; ok {
			delete(s.values, k)
			s.ttl.Remove(k)
			applied = append(applied, k)
		}
	}
	if len(applied) > 0 {
		NumKeys.WithLabelValues(string(s.area)).Set(float64(len(s.values)))
	}
	return applied
}

// NextExpiry returns the absolute deadline (unix millis) of the
// soonest-expiring entry. Component does not call it; expiry runs from its
// periodic tickTtl poll.
func (s *Store) NextExpiry() (int64, bool) {
	e, ok := s.ttl.Peek()
	if !ok {
		return 0, false
	}
	return e.expiresAt, true
}

// DrainWanted returns and clears the set of keys awaiting a full body via
// CmpUnknown. The sync path does not call it, so these keys are not
// requested from peers.
func (s *Store) DrainWanted() []string {
	if len(s.wanted) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.wanted))
	for k := range s.wanted {
		out = append(out, k)
	}
	s.wanted = make(map[string]struct{})
	return out
}
