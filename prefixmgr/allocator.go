package prefixmgr

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/open-r/openr/allocator"
	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/state"
)

const indexStoreKey = "prefixalloc:index"

// seedParams is the wire shape read from SeedParamsKey in "seeded" mode.
type seedParams struct {
	Seed           netip.Prefix
	AllocPrefixLen int
}

// Allocator is PrefixAllocator: it elects a unique subprefix of a seed
// network via the KvStore range allocator and hands the result to
// PrefixManager. Unlike Component, Allocator has no background
// pump; its state (index, prefix) is only ever touched from Init and Revoke,
// which the bootstrap/control-plane layer is expected to call serially.
type Allocator struct {
	env  *state.Env
	self state.NodeId

	kv    *kvstore.Component
	pm    *Component
	agent platform.ForwardingAgent
	store platform.Store

	seed      netip.Prefix
	allocLen  int
	rangeSize uint64

	hasIndex bool
	index    uint64
	prefix   netip.Prefix

	// statusMu guards only prefix/hasIndex against Status, which the
	// control-plane facade may call from a goroutine concurrent with a
	// serialized Init/Revoke call.
	statusMu sync.Mutex
}

// Status reports the allocator's current election, exercised by the
// control-plane CLI's "prefixmgr allocator-status" command.
type Status struct {
	Enabled bool
	Elected netip.Prefix
}

func (a *Allocator) Status() Status {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return Status{Enabled: a.hasIndex, Elected: a.prefix}
}

// NewAllocator wires PrefixAllocator to the PrefixManager it publishes into,
// the KvStore it elects through, and (optionally) a forwarding agent used to
// program the elected prefix onto the loopback interface. agent may be nil
// if ProgramLoopback is never enabled.
func NewAllocator(kv *kvstore.Component, pm *Component, agent platform.ForwardingAgent, store platform.Store) *Allocator {
	return &Allocator{kv: kv, pm: pm, agent: agent, store: store}
}

func (a *Allocator) Init(s *state.State) error {
	a.env = s.Env
	a.self = s.Env.Config.NodeName
	cfg := s.Env.Config
	if !cfg.EnablePrefixAllocation {
		return nil
	}

	switch cfg.PrefixAllocMode {
	case "static":
		return a.initStatic(cfg.StaticPrefixAllocKey)
	case "seeded":
		return a.initSeeded(cfg.SeedParamsKey)
	default:
		return a.elect(cfg.SeedPrefix, cfg.AllocPrefixLen)
	}
}

func (a *Allocator) Cleanup(s *state.State) error { return nil }

// initStatic reads an already-decided prefix straight out of KvStore,
// skipping election entirely (mode "static").
func (a *Allocator) initStatic(key string) error {
	v, ok, err := a.kv.Get(state.DefaultArea, key)
	if err != nil {
		return err
	}
	if !ok || !v.HasBody() {
		return state.NewError(state.ErrPrecondition, "prefixmgr: static_prefix_alloc_key %q not found", key)
	}
	var prefix netip.Prefix
	if err := yaml.Unmarshal(v.Value, &prefix); err != nil {
		return err
	}
	a.hasIndex = false // static mode never owns a range-allocator slot
	return a.publish(prefix)
}

// initSeeded reads seed network and subprefix length from KvStore, then
// elects like params-given mode (mode "seeded").
func (a *Allocator) initSeeded(key string) error {
	v, ok, err := a.kv.Get(state.DefaultArea, key)
	if err != nil {
		return err
	}
	if !ok || !v.HasBody() {
		return state.NewError(state.ErrPrecondition, "prefixmgr: seed_params_key %q not found", key)
	}
	var params seedParams
	if err := yaml.Unmarshal(v.Value, &params); err != nil {
		return err
	}
	return a.elect(params.Seed, params.AllocPrefixLen)
}

func (a *Allocator) elect(seed netip.Prefix, allocLen int) error {
	if !seed.IsValid() || allocLen <= seed.Bits() {
		return state.NewError(state.ErrConfiguration, "prefixmgr: invalid alloc_prefix_len %d for seed %s", allocLen, seed)
	}
	subBits := allocLen - seed.Bits()
	if subBits > 62 {
		return state.NewError(state.ErrConfiguration, "prefixmgr: subprefix width %d too wide to elect", subBits)
	}
	a.seed = seed
	a.allocLen = allocLen
	a.rangeSize = uint64(1) << uint(subBits)

	avoid := a.loadAvoidSet()
	idx, err := a.claimWithPersistedPreference(a.rangeSize, avoid)
	if err != nil {
		return err
	}
	a.index = idx
	a.hasIndex = true
	if err := a.store.Store(indexStoreKey, idx); err != nil {
		a.env.Log.Warn("prefixmgr: failed persisting allocated index", "err", err)
	}

	prefix, err := buildSubPrefix(seed, allocLen, idx)
	if err != nil {
		return err
	}
	return a.publish(prefix)
}

// loadAvoidSet reads the network-wide reserved-index list so this node's
// election never collides with an out-of-band allocation ("the allocator avoids those").
func (a *Allocator) loadAvoidSet() map[uint64]bool {
	v, ok, err := a.kv.Get(state.DefaultArea, state.E2ENetworkAllocationKey)
	if err != nil || !ok || !v.HasBody() {
		return nil
	}
	var indices []uint64
	if err := yaml.Unmarshal(v.Value, &indices); err != nil {
		return nil
	}
	avoid := make(map[uint64]bool, len(indices))
	for _, i := range indices {
		avoid[i] = true
	}
	return avoid
}

// claimWithPersistedPreference tries to reclaim the index this node held
// before a restart directly, so it only falls back to a fresh hash-and-probe
// via the shared range allocator when that isn't possible ("persist the elected index to disk so restart yields the same prefix").
func (a *Allocator) claimWithPersistedPreference(rangeSize uint64, avoid map[uint64]bool) (uint64, error) {
	var persisted uint64
	found, err := a.store.Load(indexStoreKey, &persisted)
	if err == nil && found && persisted < rangeSize && !avoid[persisted] {
		if idx, ok := a.tryReclaim(persisted); ok {
			return idx, nil
		}
	}
	return allocator.Claim(a.kv, state.DefaultArea, state.AllocPrefixKey, a.self, rangeSize, avoid)
}

func (a *Allocator) tryReclaim(index uint64) (uint64, bool) {
	key := state.AllocPrefixKey(index)
	existing, ok, err := a.kv.Get(state.DefaultArea, key)
	if err != nil {
		return 0, false
	}
	if ok && string(existing.Value) == string(a.self) {
		return index, true
	}
	if ok && a.self >= existing.OriginatorId {
		return 0, false
	}
	version := uint64(1)
	if ok {
		version = existing.Version + 1
	}
	if err := a.kv.Set(state.DefaultArea, map[string]state.Value{
		key: {Version: version, OriginatorId: a.self, Value: []byte(a.self), Ttl: state.TtlInfinity},
	}); err != nil {
		return 0, false
	}
	return index, true
}

// publish hands the elected prefix to PrefixManager and, if configured,
// programs it onto the loopback interface via the forwarding agent as a
// locally-originated (no-nexthop) unicast route ("On election...
// optionally programs the loopback interface").
func (a *Allocator) publish(prefix netip.Prefix) error {
	a.statusMu.Lock()
	a.prefix = prefix
	a.statusMu.Unlock()
	entry := state.PrefixEntry{
		Prefix:              prefix,
		Type:                state.PrefixTypePrefixAllocator,
		ForwardingType:      state.ForwardingTypeIP,
		ForwardingAlgorithm: state.ForwardingAlgoSpEcmp,
	}
	if err := a.pm.SyncByType(state.PrefixTypePrefixAllocator, []state.PrefixEntry{entry}); err != nil {
		return err
	}
	if a.env.Config.ProgramLoopback && a.agent != nil {
		ctx, cancel := context.WithTimeout(a.env.Context, 5*time.Second)
		defer cancel()
		if err := a.agent.AddUnicastRoutes(ctx, state.FibClientId, []platform.UnicastRoute{{Prefix: prefix}}); err != nil {
			a.env.Log.Warn("prefixmgr: failed programming loopback prefix", "err", err)
		}
	}
	return nil
}

// Revoke withdraws the elected prefix from PrefixManager, deprograms the
// loopback route, and releases the range allocator slot ("On
// seed-prefix revocation, it withdraws and deprograms").
func (a *Allocator) Revoke() error {
	if !a.hasIndex {
		return a.pm.WithdrawByType(state.PrefixTypePrefixAllocator)
	}
	if err := a.pm.WithdrawByType(state.PrefixTypePrefixAllocator); err != nil {
		return err
	}
	if a.env.Config.ProgramLoopback && a.agent != nil {
		ctx, cancel := context.WithTimeout(a.env.Context, 5*time.Second)
		defer cancel()
		if err := a.agent.DeleteUnicastRoutes(ctx, state.FibClientId, []netip.Prefix{a.prefix}); err != nil {
			a.env.Log.Warn("prefixmgr: failed deprogramming loopback prefix", "err", err)
		}
	}
	if err := allocator.Release(a.kv, state.DefaultArea, state.AllocPrefixKey, a.index, a.self); err != nil {
		return err
	}
	a.statusMu.Lock()
	a.hasIndex = false
	a.statusMu.Unlock()
	return nil
}

// buildSubPrefix embeds index as a subBits-wide field starting right after
// seed's own prefix length, producing the allocLen-long elected prefix
// ("hash node-name into [0, 2^(subprefix_len - seed_len))").
func buildSubPrefix(seed netip.Prefix, allocLen int, index uint64) (netip.Prefix, error) {
	subBits := allocLen - seed.Bits()
	raw := seed.Addr().AsSlice()
	totalBits := len(raw) * 8
	if allocLen > totalBits {
		return netip.Prefix{}, fmt.Errorf("prefixmgr: alloc length %d exceeds address width %d", allocLen, totalBits)
	}
	for i := 0; i < subBits; i++ {
		bitPos := seed.Bits() + i
		bit := (index >> uint(subBits-1-i)) & 1
		byteIdx := bitPos / 8
		bitInByte := 7 - uint(bitPos%8)
		if bit == 1 {
			raw[byteIdx] |= 1 << bitInByte
		} else {
			raw[byteIdx] &^= 1 << bitInByte
		}
	}
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("prefixmgr: rebuilding address from seed %s failed", seed)
	}
	return netip.PrefixFrom(addr, allocLen), nil
}
