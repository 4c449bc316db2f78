package prefixmgr

import (
	"testing"

	"github.com/goccy/go-yaml"

	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/state"
)

func newTestAllocator(t *testing.T, cfg state.Config, agent platform.ForwardingAgent, store platform.Store) (*Allocator, *Component, *kvstore.Component, *state.State) {
	t.Helper()
	_, s := newTestEnv(t, cfg)
	kv := kvstore.New()
	pm := New(kv, platform.NewMemStore())
	alloc := NewAllocator(kv, pm, agent, store)
	s.Modules["kvstore"] = kv
	s.Modules["prefixmgr"] = pm
	s.Modules["prefixalloc"] = alloc
	if err := kv.Init(s); err != nil {
		t.Fatalf("kv init: %v", err)
	}
	if err := pm.Init(s); err != nil {
		t.Fatalf("pm init: %v", err)
	}
	return alloc, pm, kv, s
}

func TestParamsGivenElectionProducesPrefixInRange(t *testing.T) {
	seed := mustPrefix(t, "2001:db8::/32")
	cfg := state.Config{
		EnablePrefixAllocation: true,
		SeedPrefix:             seed,
		AllocPrefixLen:         40,
	}
	alloc, pm, _, s := newTestAllocator(t, cfg, nil, platform.NewMemStore())
	if err := alloc.Init(s); err != nil {
		t.Fatalf("alloc init: %v", err)
	}
	if !alloc.hasIndex {
		t.Fatal("expected an elected index in params-given mode")
	}
	if alloc.prefix.Bits() != 40 {
		t.Fatalf("got prefix length %d, want 40", alloc.prefix.Bits())
	}
	if !seed.Overlaps(alloc.prefix) {
		t.Fatalf("elected prefix %s not within seed %s", alloc.prefix, seed)
	}
	entries, err := pm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != state.PrefixTypePrefixAllocator {
		t.Fatalf("expected elected prefix published to PrefixManager, got %+v", entries)
	}
}

func TestElectionIsIdempotentAcrossRestartViaKvStore(t *testing.T) {
	seed := mustPrefix(t, "2001:db8::/32")
	cfg := state.Config{EnablePrefixAllocation: true, SeedPrefix: seed, AllocPrefixLen: 40}

	_, s1 := newTestEnv(t, cfg)
	kv1 := kvstore.New()
	pm1 := New(kv1, platform.NewMemStore())
	store1 := platform.NewMemStore()
	alloc1 := NewAllocator(kv1, pm1, nil, store1)
	s1.Modules["kvstore"] = kv1
	s1.Modules["prefixmgr"] = pm1
	if err := kv1.Init(s1); err != nil {
		t.Fatalf("kv1 init: %v", err)
	}
	if err := pm1.Init(s1); err != nil {
		t.Fatalf("pm1 init: %v", err)
	}
	if err := alloc1.Init(s1); err != nil {
		t.Fatalf("alloc1 init: %v", err)
	}

	// Second node, same node name (simulating a restart), fresh in-memory
	// KvStore instance but sharing nothing — reclaims via its own disk store.
	_, s2 := newTestEnv(t, cfg)
	kv2 := kvstore.New()
	pm2 := New(kv2, platform.NewMemStore())
	alloc2 := NewAllocator(kv2, pm2, nil, store1)
	s2.Modules["kvstore"] = kv2
	s2.Modules["prefixmgr"] = pm2
	if err := kv2.Init(s2); err != nil {
		t.Fatalf("kv2 init: %v", err)
	}
	if err := pm2.Init(s2); err != nil {
		t.Fatalf("pm2 init: %v", err)
	}
	if err := alloc2.Init(s2); err != nil {
		t.Fatalf("alloc2 init: %v", err)
	}

	if alloc1.index != alloc2.index {
		t.Fatalf("expected same elected index across restart, got %d vs %d", alloc1.index, alloc2.index)
	}
}

func TestElectionAvoidsE2EAllocationSet(t *testing.T) {
	seed := mustPrefix(t, "2001:db8::/48")
	cfg := state.Config{NodeName: "node1", EnablePrefixAllocation: true, SeedPrefix: seed, AllocPrefixLen: 50} // rangeSize = 4
	_, s := newTestEnv(t, cfg)
	kv := kvstore.New()
	s.Modules["kvstore"] = kv
	if err := kv.Init(s); err != nil {
		t.Fatalf("kv init: %v", err)
	}

	start := hashNode(t, cfg.NodeName, 4)
	if err := kv.Set(state.DefaultArea, map[string]state.Value{
		state.E2ENetworkAllocationKey: {Version: 1, OriginatorId: "network", Value: mustYaml(t, []uint64{start}), Ttl: state.TtlInfinity},
	}); err != nil {
		t.Fatalf("seed avoid set: %v", err)
	}

	pm := New(kv, platform.NewMemStore())
	s.Modules["prefixmgr"] = pm
	if err := pm.Init(s); err != nil {
		t.Fatalf("pm init: %v", err)
	}
	alloc := NewAllocator(kv, pm, nil, platform.NewMemStore())
	if err := alloc.Init(s); err != nil {
		t.Fatalf("alloc init: %v", err)
	}
	if alloc.index == start {
		t.Fatalf("claimed avoided index %d", alloc.index)
	}
}

func TestStaticModeReadsPrefixDirectly(t *testing.T) {
	cfg := state.Config{EnablePrefixAllocation: true, PrefixAllocMode: "static", StaticPrefixAllocKey: "static-prefix"}
	_, s := newTestEnv(t, cfg)
	kv := kvstore.New()
	s.Modules["kvstore"] = kv
	if err := kv.Init(s); err != nil {
		t.Fatalf("kv init: %v", err)
	}
	want := mustPrefix(t, "2001:db8:ff::/64")
	if err := kv.Set(state.DefaultArea, map[string]state.Value{
		"static-prefix": {Version: 1, OriginatorId: "network", Value: mustYaml(t, want), Ttl: state.TtlInfinity},
	}); err != nil {
		t.Fatalf("seed static key: %v", err)
	}
	pm := New(kv, platform.NewMemStore())
	s.Modules["prefixmgr"] = pm
	if err := pm.Init(s); err != nil {
		t.Fatalf("pm init: %v", err)
	}
	alloc := NewAllocator(kv, pm, nil, platform.NewMemStore())
	if err := alloc.Init(s); err != nil {
		t.Fatalf("alloc init: %v", err)
	}
	if alloc.hasIndex {
		t.Fatal("static mode should not claim a range allocator slot")
	}
	if alloc.prefix != want {
		t.Fatalf("got prefix %s, want %s", alloc.prefix, want)
	}
}

func TestSeededModeReadsParamsFromKvStore(t *testing.T) {
	cfg := state.Config{EnablePrefixAllocation: true, PrefixAllocMode: "seeded", SeedParamsKey: "seed-params"}
	_, s := newTestEnv(t, cfg)
	kv := kvstore.New()
	s.Modules["kvstore"] = kv
	if err := kv.Init(s); err != nil {
		t.Fatalf("kv init: %v", err)
	}
	seed := mustPrefix(t, "10.0.0.0/16")
	if err := kv.Set(state.DefaultArea, map[string]state.Value{
		"seed-params": {Version: 1, OriginatorId: "network", Value: mustYaml(t, seedParams{Seed: seed, AllocPrefixLen: 24}), Ttl: state.TtlInfinity},
	}); err != nil {
		t.Fatalf("seed params key: %v", err)
	}
	pm := New(kv, platform.NewMemStore())
	s.Modules["prefixmgr"] = pm
	if err := pm.Init(s); err != nil {
		t.Fatalf("pm init: %v", err)
	}
	alloc := NewAllocator(kv, pm, nil, platform.NewMemStore())
	if err := alloc.Init(s); err != nil {
		t.Fatalf("alloc init: %v", err)
	}
	if !alloc.hasIndex || alloc.prefix.Bits() != 24 || !seed.Overlaps(alloc.prefix) {
		t.Fatalf("unexpected election result: %+v", alloc)
	}
}

func TestRevokeReleasesAndWithdraws(t *testing.T) {
	seed := mustPrefix(t, "2001:db8::/32")
	agent := platform.NewFakeAgent()
	cfg := state.Config{
		EnablePrefixAllocation: true,
		SeedPrefix:             seed,
		AllocPrefixLen:         40,
		ProgramLoopback:        true,
	}
	alloc, pm, kv, s := newTestAllocator(t, cfg, agent, platform.NewMemStore())
	if err := alloc.Init(s); err != nil {
		t.Fatalf("alloc init: %v", err)
	}
	elected := alloc.prefix
	if _, ok := agent.UnicastRoutes()[elected]; !ok {
		t.Fatal("expected loopback route programmed on election")
	}

	if err := alloc.Revoke(); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	entries, err := pm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected withdraw to clear the allocator's prefix, got %+v", entries)
	}
	if _, ok := agent.UnicastRoutes()[elected]; ok {
		t.Fatal("expected loopback route deprogrammed on revoke")
	}
	v, ok, err := kv.Get(state.DefaultArea, state.AllocPrefixKey(alloc.index))
	if err != nil || !ok {
		t.Fatalf("expected tombstone to remain at allocated key, ok=%v err=%v", ok, err)
	}
	if len(v.Value) != 0 {
		t.Fatalf("expected empty tombstone body, got %v", v.Value)
	}
}

func TestBuildSubPrefixEmbedsIndexBits(t *testing.T) {
	seed := mustPrefix(t, "2001:db8::/32")
	for _, index := range []uint64{0, 1, 5, 200, 255} {
		p, err := buildSubPrefix(seed, 40, index)
		if err != nil {
			t.Fatalf("buildSubPrefix(%d): %v", index, err)
		}
		if p.Bits() != 40 {
			t.Fatalf("got prefix length %d, want 40", p.Bits())
		}
		if !seed.Overlaps(p) {
			t.Fatalf("subprefix %s not within seed %s", p, seed)
		}
		raw := p.Addr().AsSlice()
		if got := uint64(raw[4]); got != index {
			t.Fatalf("index %d: embedded byte = %d, want %d", index, got, index)
		}
	}

	// Distinct indices must always produce distinct subprefixes.
	p1, _ := buildSubPrefix(seed, 40, 5)
	p2, _ := buildSubPrefix(seed, 40, 6)
	if p1 == p2 {
		t.Fatalf("expected different indices to produce different prefixes, got %s for both", p1)
	}
}

func hashNode(t *testing.T, node state.NodeId, rangeSize uint64) uint64 {
	t.Helper()
	// mirrors allocator.hashIndex without exporting it: FNV-1a mod rangeSize.
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range []byte(node) {
		h ^= uint64(b)
		h *= prime64
	}
	return h % rangeSize
}

func mustYaml(t *testing.T, v any) []byte {
	t.Helper()
	b, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("yaml marshal: %v", err)
	}
	return b
}
