// Package prefixmgr assembles this node's outbound prefix database from
// several in-process sources and publishes it to KvStore, and
// elects a unique subprefix out of a seed network via the KvStore range
// allocator.
package prefixmgr

import (
	"net/netip"
	"sort"

	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/state"
)

// Component is Open/R's PrefixManager module. Sources (LinkMonitor, the
// allocator, an external BGP shim) each own one PrefixType's submap; add and
// withdraw only ever touch the caller's own type, so sources never clobber
// each other.
type Component struct {
	env  *state.Env
	self state.NodeId

	kv    *kvstore.Component
	store platform.Store

	byType map[state.PrefixType]map[netip.Prefix]state.PrefixEntry

	dirty     bool
	version   uint64
	published map[netip.Prefix]publishedRecord // per-prefix-key mode: last published state per prefix
}

// publishedRecord is what the per-prefix-key publisher last sent for a
// prefix, so it can tell whether the entry changed since and needs a bumped
// version, without republishing unchanged prefixes on every throttle tick.
type publishedRecord struct {
	version uint64
	entry   state.PrefixEntry
}

func New(kv *kvstore.Component, store platform.Store) *Component {
	return &Component{
		kv:        kv,
		store:     store,
		byType:    make(map[state.PrefixType]map[netip.Prefix]state.PrefixEntry),
		published: make(map[netip.Prefix]publishedRecord),
	}
}

func (c *Component) Init(s *state.State) error {
	c.env = s.Env
	c.self = s.Env.Config.NodeName

	var persisted persistedEntries
	if found, err := c.store.Load(persistStoreKey, &persisted); err != nil {
		c.env.Log.Warn("prefixmgr: failed loading persisted prefixes", "err", err)
	} else if found {
		for _, pe := range persisted.Entries {
			c.submapFor(pe.Type)[pe.Entry.Prefix] = pe.Entry
		}
		c.dirty = true
	}

	c.env.RepeatTask(c.publishThrottled, state.PrefixManagerThrottle)
	return nil
}

func (c *Component) Cleanup(s *state.State) error { return nil }

func (c *Component) submapFor(t state.PrefixType) map[netip.Prefix]state.PrefixEntry {
	m, ok := c.byType[t]
	if !ok {
		m = make(map[netip.Prefix]state.PrefixEntry)
		c.byType[t] = m
	}
	return m
}

// Add merges entries into t's submap ("add").
func (c *Component) Add(t state.PrefixType, entries []state.PrefixEntry) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		m := comp.submapFor(t)
		for _, e := range entries {
			e.Type = t
			m[e.Prefix] = e
		}
		comp.markDirty()
		return nil, nil
	})
	return err
}

// AddOnLoop performs the same merge as Add, but runs directly on the
// caller's goroutine rather than through DispatchWait. Callers already
// running on the dispatch loop (e.g. LinkMonitor's platform-event handler)
// must use this instead of Add to avoid nesting a DispatchWait inside a
// handler that's draining the dispatch channel.
func (c *Component) AddOnLoop(t state.PrefixType, entries []state.PrefixEntry) {
	m := c.submapFor(t)
	for _, e := range entries {
		e.Type = t
		m[e.Prefix] = e
	}
	c.markDirty()
}

// WithdrawOnLoop is Withdraw's on-loop counterpart; see AddOnLoop.
func (c *Component) WithdrawOnLoop(t state.PrefixType, prefixes []netip.Prefix) {
	m := c.submapFor(t)
	for _, p := range prefixes {
		delete(m, p)
	}
	c.markDirty()
}

// Withdraw removes specific prefixes from t's submap ("withdraw").
func (c *Component) Withdraw(t state.PrefixType, prefixes []netip.Prefix) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		m := comp.submapFor(t)
		for _, p := range prefixes {
			delete(m, p)
		}
		comp.markDirty()
		return nil, nil
	})
	return err
}

// WithdrawByType clears an entire submap at once ("withdraw_by_type").
func (c *Component) WithdrawByType(t state.PrefixType) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		delete(comp.byType, t)
		comp.markDirty()
		return nil, nil
	})
	return err
}

// SyncByType replaces t's entire submap ("sync_by_type").
func (c *Component) SyncByType(t state.PrefixType, entries []state.PrefixEntry) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		comp := state.Get[*Component](s)
		m := make(map[netip.Prefix]state.PrefixEntry, len(entries))
		for _, e := range entries {
			e.Type = t
			m[e.Prefix] = e
		}
		comp.byType[t] = m
		comp.markDirty()
		return nil, nil
	})
	return err
}

func (c *Component) markDirty() {
	c.dirty = true
	c.persist()
}

// persist writes every non-ephemeral entry to disk so a restart doesn't lose
// locally-sourced (non-KvStore-backed) advertisements.
func (c *Component) persist() {
	var out persistedEntries
	for t, m := range c.byType {
		for _, e := range m {
			if e.Ephemeral {
				continue
			}
			out.Entries = append(out.Entries, persistedEntry{Type: t, Entry: e})
		}
	}
	if err := c.store.Store(persistStoreKey, out); err != nil {
		c.env.Log.Warn("prefixmgr: failed persisting prefixes", "err", err)
	}
}

// Snapshot returns every currently held prefix entry across all sources.
func (c *Component) Snapshot() ([]state.PrefixEntry, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		return state.Get[*Component](s).flatten(), nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]state.PrefixEntry), nil
}

func (c *Component) flatten() []state.PrefixEntry {
	entries := make([]state.PrefixEntry, 0)
	for _, m := range c.byType {
		for _, e := range m {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Prefix.String() < entries[j].Prefix.String()
	})
	return entries
}

func (c *Component) publishThrottled(s *state.State) error {
	if !c.dirty {
		return nil
	}
	c.dirty = false
	current := c.flatten()
	if c.env.Config.EnablePerPrefixKeys {
		return c.publishPerPrefix(current)
	}
	return c.publishMonolithic(current)
}

func (c *Component) publishMonolithic(entries []state.PrefixEntry) error {
	c.version++
	db := state.PrefixDatabase{ThisNodeName: c.self, PrefixEntries: entries}
	payload, err := encodePrefixDb(db)
	if err != nil {
		return err
	}
	// Reached via publishThrottled, a RepeatTask callback already running on
	// the dispatch loop; SetOnLoop avoids nesting a DispatchWait inside it.
	return c.kv.SetOnLoop(state.DefaultArea, map[string]state.Value{
		state.PrefixKey(c.self): {Version: c.version, OriginatorId: c.self, Value: payload, Ttl: state.TtlInfinity},
	})
}

// publishPerPrefix gives each prefix its own KvStore key so a withdraw is
// visible to peers as soon as the tombstone floods, without waiting for the
// whole monolithic record's TTL ("Per-prefix keys mode"). The
// local TTL on a tombstone is short so it collects itself once flooded.
const perPrefixTombstoneTtl = int64(30_000) // ms

func (c *Component) publishPerPrefix(entries []state.PrefixEntry) error {
	current := make(map[netip.Prefix]state.PrefixEntry, len(entries))
	for _, e := range entries {
		current[e.Prefix] = e
	}

	kv := make(map[string]state.Value)
	area := state.DefaultArea

	for prefix, e := range current {
		rec, seen := c.published[prefix]
		if seen && recordsEqual(rec.entry, e) {
			continue
		}
		c.version++
		payload, err := encodePrefixEntry(e)
		if err != nil {
			return err
		}
		kv[state.PerPrefixKey(c.self, area, prefix)] = state.Value{
			Version: c.version, OriginatorId: c.self, Value: payload, Ttl: state.TtlInfinity,
		}
		c.published[prefix] = publishedRecord{version: c.version, entry: e}
	}

	for prefix, rec := range c.published {
		if _, stillActive := current[prefix]; stillActive {
			continue
		}
		c.version++
		tombstone := rec.entry
		tombstone.DeletePrefix = true
		payload, err := encodePrefixEntry(tombstone)
		if err != nil {
			return err
		}
		kv[state.PerPrefixKey(c.self, area, prefix)] = state.Value{
			Version: c.version, OriginatorId: c.self, Value: payload, Ttl: perPrefixTombstoneTtl,
		}
		delete(c.published, prefix)
	}

	if len(kv) == 0 {
		return nil
	}
	return c.kv.SetOnLoop(area, kv)
}

func recordsEqual(a, b state.PrefixEntry) bool {
	if a.Prefix != b.Prefix || a.Type != b.Type || a.ForwardingType != b.ForwardingType ||
		a.ForwardingAlgorithm != b.ForwardingAlgorithm || a.Ephemeral != b.Ephemeral || a.DeletePrefix != b.DeletePrefix {
		return false
	}
	if len(a.Data) != len(b.Data) || len(a.MetricVector) != len(b.MetricVector) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	for i := range a.MetricVector {
		if a.MetricVector[i] != b.MetricVector[i] {
			return false
		}
	}
	return true
}
