package fib

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/open-r/openr/decision"
	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/linkmonitor"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/prefixmgr"
	"github.com/open-r/openr/spark"
	"github.com/open-r/openr/state"
)

// withFastFibTimers speeds up backoff/poll-driven tests the same way
// spark's and linkmonitor's tests do: override the package-level mutable
// timer vars and restore them on cleanup.
func withFastFibTimers(t *testing.T) {
	t.Helper()
	origBackoff, origMax, origPoll := state.FibSyncInitialBackoff, state.FibSyncMaxBackoff, state.FibAliveSincePoll
	state.FibSyncInitialBackoff = 10 * time.Millisecond
	state.FibSyncMaxBackoff = 40 * time.Millisecond
	state.FibAliveSincePoll = 20 * time.Millisecond
	t.Cleanup(func() {
		state.FibSyncInitialBackoff, state.FibSyncMaxBackoff, state.FibAliveSincePoll = origBackoff, origMax, origPoll
	})
}

func newTestEnv(t *testing.T, cfg state.Config) *state.State {
	t.Helper()
	ch := make(chan func(*state.State) error, 256)
	ctx, cancel := context.WithCancelCause(context.Background())
	if cfg.NodeName == "" {
		cfg.NodeName = "A"
	}
	if cfg.Domain == "" {
		cfg.Domain = "openr"
	}
	if len(cfg.Areas) == 0 {
		cfg.Areas = []state.Area{state.DefaultArea}
	}
	env := &state.Env{
		Config:          cfg,
		DispatchChannel: ch,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := &state.State{Env: env, Modules: map[string]state.NyModule{}}
	go func() {
		for {
			select {
			case f := <-ch:
				_ = f(s)
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() { cancel(nil) })
	return s
}

// newTestFib wires kvstore, decision, and fib together the way
// core's bootstrap does, so seeding KvStore and nudging Decision drives Fib
// through the same path production traffic would.
func newTestFib(t *testing.T, cfg state.Config, agent platform.ForwardingAgent) (*Component, *decision.Component, *kvstore.Component, *state.State) {
	fb, dec, kv, s, _ := newTestFibWithEvents(t, cfg, agent)
	return fb, dec, kv, s
}

// newTestFibWithEvents is newTestFib plus a handle to the platform event
// source feeding LinkMonitor, used by tests that need to simulate an
// interface going down.
func newTestFibWithEvents(t *testing.T, cfg state.Config, agent platform.ForwardingAgent) (*Component, *decision.Component, *kvstore.Component, *state.State, *platform.MemEventSource) {
	t.Helper()
	s := newTestEnv(t, cfg)

	kv := kvstore.New()
	s.Modules["kvstore"] = kv
	if err := kv.Init(s); err != nil {
		t.Fatalf("kv init: %v", err)
	}

	sp := spark.New(spark.NewFakeTransport(spark.NewFakeMedium()), platform.NewMemEventSource())
	s.Modules["spark"] = sp
	if err := sp.Init(s); err != nil {
		t.Fatalf("spark init: %v", err)
	}

	pm := prefixmgr.New(kv, platform.NewMemStore())
	s.Modules["prefixmgr"] = pm
	if err := pm.Init(s); err != nil {
		t.Fatalf("prefixmgr init: %v", err)
	}

	events := platform.NewMemEventSource()
	lm := linkmonitor.New(kv, sp, pm, events)
	s.Modules["linkmonitor"] = lm
	if err := lm.Init(s); err != nil {
		t.Fatalf("linkmonitor init: %v", err)
	}

	dec := decision.New(kv, state.DefaultArea)
	s.Modules["decision"] = dec
	if err := dec.Init(s); err != nil {
		t.Fatalf("decision init: %v", err)
	}

	fb := New(dec, kv, lm, agent, state.DefaultArea)
	s.Modules["fib"] = fb
	if err := fb.Init(s); err != nil {
		t.Fatalf("fib init: %v", err)
	}

	return fb, dec, kv, s, events
}

func mustYaml(t *testing.T, v any) []byte {
	t.Helper()
	b, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("yaml marshal: %v", err)
	}
	return b
}

func seedAdjacentPair(t *testing.T, kv *kvstore.Component) {
	t.Helper()
	dbA := state.AdjacencyDatabase{ThisNodeName: "A", Adjacencies: []state.AdjacencyEntry{
		{OtherNodeName: "B", LocalIfName: "eth0", RemoteIfName: "eth0", Metric: 1, NextHopV6: netip.MustParseAddr("fe80::1")},
	}}
	dbB := state.AdjacencyDatabase{ThisNodeName: "B", Adjacencies: []state.AdjacencyEntry{
		{OtherNodeName: "A", LocalIfName: "eth0", RemoteIfName: "eth0", Metric: 1},
	}}
	if err := kv.Set(state.DefaultArea, map[string]state.Value{
		state.AdjKey("A"): {Version: 1, OriginatorId: "A", Value: mustYaml(t, dbA), Ttl: state.TtlInfinity},
		state.AdjKey("B"): {Version: 1, OriginatorId: "B", Value: mustYaml(t, dbB), Ttl: state.TtlInfinity},
	}); err != nil {
		t.Fatalf("seed adjacencies: %v", err)
	}

	prefixDbB := state.PrefixDatabase{ThisNodeName: "B", PrefixEntries: []state.PrefixEntry{
		{Prefix: netip.MustParsePrefix("2001:db8:b::/64"), Type: state.PrefixTypeDefault},
	}}
	if err := kv.Set(state.DefaultArea, map[string]state.Value{
		state.PrefixKey("B"): {Version: 1, OriginatorId: "B", Value: mustYaml(t, prefixDbB), Ttl: state.TtlInfinity},
	}); err != nil {
		t.Fatalf("seed prefix db: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFibAppliesRouteFromDecision(t *testing.T) {
	agent := platform.NewFakeAgent()
	fb, dec, kv, _ := newTestFib(t, state.Config{NodeName: "A"}, agent)
	seedAdjacentPair(t, kv)

	waitFor(t, func() bool {
		delta, err := dec.RouteDb()
		return err == nil && len(delta.UnicastRoutesToUpdate) == 1
	})
	if _, err := dec.Recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	want := netip.MustParsePrefix("2001:db8:b::/64")
	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return ok
	})

	routes, err := fb.Routes()
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	if _, ok := routes[want]; !ok {
		t.Fatalf("expected %s in fib's local mirror, got %+v", want, routes)
	}

	route, ok, err := fb.Lookup(netip.MustParseAddr("2001:db8:b::1"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok || route.Prefix != want {
		t.Fatalf("lookup: got %+v, ok=%v, want %s", route, ok, want)
	}

	if dirty, err := fb.IsDirty(); err != nil || dirty {
		t.Fatalf("expected clean mirror after a successful apply, dirty=%v err=%v", dirty, err)
	}
}

func TestFibResyncsAfterApplyFailure(t *testing.T) {
	withFastFibTimers(t)
	agent := platform.NewFakeAgent()
	fb, dec, kv, _ := newTestFib(t, state.Config{NodeName: "A"}, agent)
	seedAdjacentPair(t, kv)

	waitFor(t, func() bool {
		delta, err := dec.RouteDb()
		return err == nil && len(delta.UnicastRoutesToUpdate) == 1
	})

	agent.FailNext()
	if _, err := dec.Recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	want := netip.MustParsePrefix("2001:db8:b::/64")
	// The first incremental apply fails and marks the mirror dirty; the
	// backoff-scheduled resync should converge without any further nudge.
	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return ok
	})
	waitFor(t, func() bool {
		dirty, err := fb.IsDirty()
		return err == nil && !dirty
	})
}

func TestFibForcesResyncOnAgentRestart(t *testing.T) {
	withFastFibTimers(t)
	agent := platform.NewFakeAgent()
	fb, dec, kv, _ := newTestFib(t, state.Config{NodeName: "A"}, agent)
	seedAdjacentPair(t, kv)

	waitFor(t, func() bool {
		delta, err := dec.RouteDb()
		return err == nil && len(delta.UnicastRoutesToUpdate) == 1
	})
	if _, err := dec.Recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	want := netip.MustParsePrefix("2001:db8:b::/64")
	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return ok
	})

	// Simulate the agent process restarting and forgetting everything it
	// was programmed with; the alive-since poller should notice and force
	// a resync that reinstalls the route without any new Decision input.
	if err := agent.SyncFib(context.Background(), state.FibClientId, nil); err != nil {
		t.Fatalf("clear agent state: %v", err)
	}
	agent.Restart()

	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return ok
	})
	waitFor(t, func() bool {
		dirty, err := fb.IsDirty()
		return err == nil && !dirty
	})
}

func TestFibDryRunSkipsAgentButUpdatesLocalMirror(t *testing.T) {
	agent := platform.NewFakeAgent()
	fb, dec, kv, _ := newTestFib(t, state.Config{NodeName: "A", DryRun: true}, agent)
	seedAdjacentPair(t, kv)

	waitFor(t, func() bool {
		delta, err := dec.RouteDb()
		return err == nil && len(delta.UnicastRoutesToUpdate) == 1
	})
	if _, err := dec.Recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	want := netip.MustParsePrefix("2001:db8:b::/64")
	waitFor(t, func() bool {
		routes, err := fb.Routes()
		_, ok := routes[want]
		return err == nil && ok
	})
	if len(agent.UnicastRoutes()) != 0 {
		t.Fatalf("dry run must not call the agent, got %+v", agent.UnicastRoutes())
	}
}

func TestFibSyncForcesImmediateResync(t *testing.T) {
	agent := platform.NewFakeAgent()
	fb, dec, kv, _ := newTestFib(t, state.Config{NodeName: "A"}, agent)
	seedAdjacentPair(t, kv)

	waitFor(t, func() bool {
		delta, err := dec.RouteDb()
		return err == nil && len(delta.UnicastRoutesToUpdate) == 1
	})
	if _, err := dec.Recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	want := netip.MustParsePrefix("2001:db8:b::/64")
	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return ok
	})

	if err := fb.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, ok := agent.UnicastRoutes()[want]; !ok {
		t.Fatalf("expected route to survive an explicit sync")
	}
	if dirty, err := fb.IsDirty(); err != nil || dirty {
		t.Fatalf("expected clean mirror after sync, dirty=%v err=%v", dirty, err)
	}
}

func TestFibPrunesRouteOnInterfaceDown(t *testing.T) {
	agent := platform.NewFakeAgent()
	fb, dec, kv, _, events := newTestFibWithEvents(t, state.Config{NodeName: "A"}, agent)
	seedAdjacentPair(t, kv)

	waitFor(t, func() bool {
		delta, err := dec.RouteDb()
		return err == nil && len(delta.UnicastRoutesToUpdate) == 1
	})
	if _, err := dec.Recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	want := netip.MustParsePrefix("2001:db8:b::/64")
	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return ok
	})

	events.Emit(platform.PlatformEvent{Tag: platform.LinkEvent, IfName: "eth0", IsUp: false})

	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return !ok
	})

	routes, err := fb.Routes()
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	if _, ok := routes[want]; ok {
		t.Fatalf("expected %s to be pruned from fib's local mirror after eth0 went down, got %+v", want, routes)
	}
}

func TestFibPublishesStatusForPeers(t *testing.T) {
	agent := platform.NewFakeAgent()
	fb, dec, kv, _ := newTestFib(t, state.Config{NodeName: "A"}, agent)
	seedAdjacentPair(t, kv)

	waitFor(t, func() bool {
		delta, err := dec.RouteDb()
		return err == nil && len(delta.UnicastRoutesToUpdate) == 1
	})
	if _, err := dec.Recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	want := netip.MustParsePrefix("2001:db8:b::/64")
	waitFor(t, func() bool {
		_, ok := agent.UnicastRoutes()[want]
		return ok
	})

	waitFor(t, func() bool {
		statuses, err := fb.Statuses()
		if err != nil {
			return false
		}
		st, ok := statuses["A"]
		return ok && !st.Dirty && st.RouteCount == 1
	})
}
