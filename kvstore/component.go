// Package kvstore implements Open/R's replicated, gossip-flooded,
// TTL'd, versioned key-value store.
package kvstore

import (
	"math/rand/v2"
	"time"

	"github.com/open-r/openr/messaging"
	"github.com/open-r/openr/state"
	"golang.org/x/time/rate"
)

// longPollWaiter is one pending long_poll_adj request.
type longPollWaiter struct {
	snapshot map[string]int64
	result   chan bool
}

// AreaState bundles everything one area's KvStore instance owns: its
// key space, its peer set, its flood mesh ("Per-area instance").
// Every field is owned by Component's dispatch loop goroutine; nothing here
// is safe to touch from another goroutine directly.
type AreaState struct {
	area        state.Area
	store       *Store
	peers       map[string]*Peer
	limiter     *rate.Limiter
	dual        *DualOverlay
	subscribers *messaging.ReplicateQueue[state.Publication]

	bufferedDelta   map[string]state.Value
	bufferedExpired []string
	bufferArmed     bool

	pending []*longPollWaiter
}

func newAreaState(area state.Area, floodOptEnabled bool) *AreaState {
	return &AreaState{
		area:        area,
		store:       NewStore(area),
		peers:       make(map[string]*Peer),
		limiter:     rate.NewLimiter(rate.Limit(state.KvStoreFloodRate), state.KvStoreFloodBurst),
		dual:        NewDualOverlay(floodOptEnabled),
		subscribers: messaging.NewReplicateQueue[state.Publication](),
	}
}

// Component is the KvStore core module, one per process, one
// AreaState per configured area. Its public methods are safe to call from
// any goroutine: each routes onto the owning dispatch loop via
// Env.DispatchWait ("the KvStore map is owned by the KvStore
// thread; other threads access it only through the operation API"),
// matching the single-dispatch-loop concurrency model the rest of the
// module uses.
type Component struct {
	env   *state.Env
	self  state.NodeId
	areas map[state.Area]*AreaState
}

func New() *Component {
	return &Component{}
}

func (c *Component) Init(s *state.State) error {
	c.env = s.Env
	c.self = s.Env.Config.NodeName
	c.areas = make(map[state.Area]*AreaState, len(s.Env.Config.Areas))
	for _, a := range s.Env.Config.Areas {
		c.areas[a] = newAreaState(a, s.Env.Config.EnableFloodOptimization)
	}
	s.Env.RepeatTask(func(s *state.State) error {
		c.tickTtl()
		return nil
	}, 250*time.Millisecond)
	s.Env.RepeatTask(func(s *state.State) error {
		c.tickFullSync()
		return nil
	}, state.KvStoreDbSyncInterval)
	return nil
}

func (c *Component) Cleanup(s *state.State) error {
	for _, as := range c.areas {
		as.subscribers.Close()
	}
	return nil
}

func (c *Component) areaState(area state.Area) (*AreaState, error) {
	as, ok := c.areas[area]
	if !ok {
		return nil, state.NewError(state.ErrPrecondition, "unknown area %q", area)
	}
	return as, nil
}

// Set merges kv into the local store under area and floods the winning
// subset to peers ("set").
func (c *Component) Set(area state.Area, kv map[string]state.Value) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		return nil, c.SetOnLoop(area, kv)
	})
	return err
}

// SetOnLoop performs the same merge-and-flood as Set, but runs directly
// rather than routing through DispatchWait. Other components' own
// Dispatch-driven handlers (a RepeatTask callback, an event-pump Dispatch)
// are already executing on the single dispatch loop; routing their own
// kv.Set call back through DispatchWait would enqueue onto the very channel
// that goroutine is blocked draining, deadlocking the process. Call this
// instead whenever the caller already has a *state.State in hand.
func (c *Component) SetOnLoop(area state.Area, kv map[string]state.Value) error {
	as, err := c.areaState(area)
	if err != nil {
		return err
	}
	now := time.Now()
	res := as.store.MergeKeyValues(kv, Filters{}, now)
	if len(res.Accepted) > 0 {
		c.publishLocally(as, res.Accepted, nil)
		c.flood(as, res.Accepted, nil)
	}
	return nil
}

// Get is a point lookup ("get").
func (c *Component) Get(area state.Area, key string) (state.Value, bool, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		v, ok := as.store.Get(key)
		return [2]any{v, ok}, nil
	})
	if err != nil {
		return state.Value{}, false, err
	}
	pair := res.([2]any)
	return pair[0].(state.Value), pair[1].(bool), nil
}

// Dump returns every key matching filter, values included ("dump").
func (c *Component) Dump(area state.Area, filter Filters) (map[string]state.Value, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		return as.store.Dump(filter), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]state.Value), nil
}

// DumpHashes is Dump with bodies stripped ("dump_hashes").
func (c *Component) DumpHashes(area state.Area, filter Filters) (map[string]state.Value, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		return as.store.DumpHashes(filter), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]state.Value), nil
}

// AddPeers registers peers and triggers a full sync with each ("add_peers ... triggers a full sync"). Peer set changes are idempotent:
// re-adding an existing peer name replaces its client but does not double
// its entry.
func (c *Component) AddPeers(area state.Area, peers []*Peer) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		for _, p := range peers {
			as.peers[p.Name] = p
			c.fullSyncWith(as, p)
		}
		return nil, nil
	})
	return err
}

// DelPeers tears down peerings and idempotently removes them from the mesh.
func (c *Component) DelPeers(area state.Area, names []string) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if p, ok := as.peers[n]; ok {
				_ = p.Client.Close()
				delete(as.peers, n)
			}
		}
		return nil, nil
	})
	return err
}

// Subscribe returns a stream of publications applied to area's store,
// consumed by Decision and the control-plane RPC's subscribeKvStore ("subscribe").
// The returned ReplicateQueue reader is itself
// internally synchronized, so this does not need to route through the
// dispatch loop.
func (c *Component) Subscribe(area state.Area) (*messaging.Reader[state.Publication], error) {
	as, err := c.areaState(area)
	if err != nil {
		return nil, err
	}
	return as.subscribers.GetReader(256), nil
}

// ProcessDualMessage feeds the flood-optimization overlay ("process_dual_message").
func (c *Component) ProcessDualMessage(area state.Area, msg DualMessage) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		as.dual.Process(msg)
		return nil, nil
	})
	return err
}

// ReceivePublication is the entry point for gossip arriving from a peer
// (called by the peer transport, whether loopback or networked).
func (c *Component) ReceivePublication(area state.Area, pub state.Publication) error {
	_, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		ReceivedPublications.WithLabelValues(string(area)).Inc()
		now := time.Now()
		res := as.store.MergeKeyValues(pub.KeyVals, Filters{}, now)
		applied := as.store.ApplyExpiry(pub.ExpiredKeys)
		if len(res.Accepted) > 0 || len(applied) > 0 {
			c.publishLocally(as, res.Accepted, applied)
			// The sender already holds this delta, so it is left out of the
			// flood: publishing back to a loopback sender would wait on its
			// loop, which is itself waiting on this call.
			if sender, ok := as.peers[string(pub.SenderId)]; ok {
				delete(as.peers, string(pub.SenderId))
				c.flood(as, res.Accepted, applied)
				as.peers[string(pub.SenderId)] = sender
			} else {
				c.flood(as, res.Accepted, applied)
			}
		}
		// Wanted keys (CmpUnknown) are recorded in the store's wanted set;
		// nothing in Component drains it or requests their bodies.
		return nil, nil
	})
	return err
}

// HandleFullSyncRequest is the responder side of the 3-way sync.
func (c *Component) HandleFullSyncRequest(area state.Area, filter Filters, peerHashes map[string]state.Value) (KeyDumpResponse, error) {
	res, err := c.env.DispatchWait(func(s *state.State) (any, error) {
		as, err := c.areaState(area)
		if err != nil {
			return nil, err
		}
		return ComputeSyncDiff(as.store, filter, peerHashes), nil
	})
	if err != nil {
		return KeyDumpResponse{}, err
	}
	return res.(KeyDumpResponse), nil
}

// LongPollAdj blocks the calling goroutine until any adj:* key changes (a
// publication carrying a body, not just a TTL refresh) or hold elapses
// ("Long-poll adjacency subscription"). Must be called from a
// goroutine other than the dispatch loop.
func (c *Component) LongPollAdj(area state.Area, snapshot map[string]int64, hold time.Duration) (bool, error) {
	ch := make(chan bool, 1)
	c.env.Dispatch(func(s *state.State) error {
		as, ok := c.areas[area]
		if !ok {
			ch <- false
			return nil
		}
		if adjChangedSince(as.store, snapshot) {
			ch <- true
			return nil
		}
		w := &longPollWaiter{snapshot: snapshot, result: ch}
		as.pending = append(as.pending, w)
		time.AfterFunc(hold, func() {
			s.Env.Dispatch(func(s *state.State) error {
				c.completeWaiterOnce(as, w, false)
				return nil
			})
		})
		return nil
	})
	select {
	case res := <-ch:
		return res, nil
	case <-c.env.Context.Done():
		return false, c.env.Context.Err()
	}
}

func (c *Component) completeWaiterOnce(as *AreaState, w *longPollWaiter, result bool) {
	for i, p := range as.pending {
		if p == w {
			as.pending = append(as.pending[:i], as.pending[i+1:]...)
			w.result <- result
			return
		}
	}
}

func adjChangedSince(store *Store, snapshot map[string]int64) bool {
	current := store.Dump(NewFilters([]string{"adj:"}, nil))
	if len(current) != len(snapshot) {
		return true
	}
	for k, v := range current {
		h := v.Hashed()
		if snapshot[k] != *h.Hash {
			return true
		}
	}
	for k := range snapshot {
		if _, ok := current[k]; !ok {
			return true
		}
	}
	return false
}

// publishLocally fans an applied delta out to area's local subscribers
// (Decision, control surface) and wakes any long-poll waiters an adj:*
// change satisfies. Called only from within a dispatched callback.
func (c *Component) publishLocally(as *AreaState, accepted map[string]state.Value, expired []string) {
	if len(accepted) == 0 && len(expired) == 0 {
		return
	}
	pub := state.Publication{
		Area:        as.area,
		SenderId:    c.self,
		KeyVals:     accepted,
		ExpiredKeys: expired,
	}
	as.subscribers.Push(pub)

	adjChanged := false
	for k, v := range accepted {
		if len(k) >= 4 && k[:4] == "adj:" && v.HasBody() {
			adjChanged = true
			break
		}
	}
	if adjChanged {
		pending := as.pending
		as.pending = nil
		for _, w := range pending {
			w.result <- true
		}
	}
}

// flood sends the accepted delta and any newly expired keys out to peers,
// respecting the token-bucket rate limiter and the DUAL overlay's per-root
// fan-out ("Flooding"). Called only from within a dispatched
// callback.
func (c *Component) flood(as *AreaState, delta map[string]state.Value, expired []string) {
	if !as.limiter.Allow() {
		c.bufferDelta(as, delta, expired)
		return
	}
	c.sendToPeers(as, delta, expired)
}

func (c *Component) bufferDelta(as *AreaState, delta map[string]state.Value, expired []string) {
	if as.bufferedDelta == nil {
		as.bufferedDelta = make(map[string]state.Value)
	}
	for k, v := range delta {
		as.bufferedDelta[k] = v
	}
	as.bufferedExpired = append(as.bufferedExpired, expired...)
	if !as.bufferArmed {
		as.bufferArmed = true
		c.env.ScheduleTask(func(s *state.State) error {
			c.drainBuffer(as)
			return nil
		}, state.KvStorePubBufferWindow)
	}
}

func (c *Component) drainBuffer(as *AreaState) {
	delta, expired := as.bufferedDelta, as.bufferedExpired
	as.bufferedDelta, as.bufferedExpired, as.bufferArmed = nil, nil, false
	if len(delta) == 0 && len(expired) == 0 {
		return
	}
	c.sendToPeers(as, delta, expired)
}

func (c *Component) sendToPeers(as *AreaState, delta map[string]state.Value, expired []string) {
	sent := 0
	for _, p := range as.peers {
		if p.State != PeerInitialized {
			continue
		}
		subset := c.filterByFloodTargets(as, p, delta)
		if len(subset) == 0 && len(expired) == 0 {
			continue
		}
		pub := state.Publication{
			Area:        as.area,
			SenderId:    c.self,
			KeyVals:     subset,
			ExpiredKeys: expired,
		}
		if err := p.Client.Publish(pub); err != nil {
			c.env.Log.Warn("flood publish failed", "peer", p.Name, "area", as.area, "err", err)
			continue
		}
		sent++
	}
	FloodPeers.WithLabelValues(string(as.area)).Set(float64(sent))
}

// filterByFloodTargets restricts delta to the keys whose originator's DUAL
// fan-out set (if any) includes peer p.
func (c *Component) filterByFloodTargets(as *AreaState, p *Peer, delta map[string]state.Value) map[string]state.Value {
	if !as.dual.Enabled {
		return delta
	}
	out := make(map[string]state.Value, len(delta))
	allPeers := make([]*Peer, 0, len(as.peers))
	for _, peer := range as.peers {
		allPeers = append(allPeers, peer)
	}
	for k, v := range delta {
		targets := as.dual.FloodTargets(v.OriginatorId, allPeers)
		for _, t := range targets {
			if t.Name == p.Name {
				out[k] = v
				break
			}
		}
	}
	return out
}

func (c *Component) tickTtl() {
	now := time.Now()
	for _, as := range c.areas {
		expired := as.store.ExpireDue(now)
		if len(expired) > 0 {
			c.publishLocally(as, nil, expired)
			c.flood(as, nil, expired)
		}
	}
}

// fullSyncWith drives the initiator side of the 3-way sync with
// one peer: KEY_DUMP request, merge the response, then push back any keys
// the responder asked for (the third leg). Called only from within a
// dispatched callback; p.Client may itself be another Component's
// DispatchWait-routed method, which is safe since it runs on that
// Component's own loop goroutine.
func (c *Component) fullSyncWith(as *AreaState, p *Peer) {
	now := time.Now()
	if !p.readyToSync(now) {
		return
	}
	p.State = PeerSyncing
	hashes := as.store.DumpHashes(Filters{})
	resp, err := p.Client.FullSync(Filters{}, hashes)
	if err != nil {
		p.recordSyncFailure(now)
		SyncFailure.WithLabelValues(string(as.area)).Inc()
		return
	}
	res := as.store.MergeKeyValues(resp.Values, Filters{}, now)
	if len(res.Accepted) > 0 {
		c.publishLocally(as, res.Accepted, nil)
		c.flood(as, res.Accepted, nil)
	}
	if len(resp.ToBeUpdatedKeys) > 0 {
		back := make(map[string]state.Value, len(resp.ToBeUpdatedKeys))
		for _, k := range resp.ToBeUpdatedKeys {
			if v, ok := as.store.Get(k); ok {
				back[k] = v
			}
		}
		if len(back) > 0 {
			_ = p.Client.Publish(state.Publication{Area: as.area, SenderId: c.self, KeyVals: back})
		}
	}
	p.recordSyncSuccess()
	p.State = PeerInitialized
	SyncSuccess.WithLabelValues(string(as.area)).Inc()
}

// tickFullSync periodically re-syncs with one random peer per area
// ("periodically every db_sync_interval to a random peer").
func (c *Component) tickFullSync() {
	for _, as := range c.areas {
		if len(as.peers) == 0 {
			continue
		}
		names := make([]string, 0, len(as.peers))
		for n := range as.peers {
			names = append(names, n)
		}
		p := as.peers[names[rand.IntN(len(names))]]
		c.fullSyncWith(as, p)
	}
}
