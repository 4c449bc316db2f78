package linkmonitor

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/open-r/openr/kvstore"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/prefixmgr"
	"github.com/open-r/openr/spark"
	"github.com/open-r/openr/state"
)

func newTestEnv(t *testing.T) (*state.Env, *state.State) {
	t.Helper()
	ch := make(chan func(*state.State) error, 256)
	ctx, cancel := context.WithCancelCause(context.Background())
	env := &state.Env{
		Config:          state.Config{NodeName: "node1", Domain: "openr", Areas: []state.Area{state.DefaultArea}},
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
	return env, s
}

func newTestComponent(t *testing.T) (*Component, *state.State) {
	lm, s, _ := newTestComponentWithEvents(t)
	return lm, s
}

func newTestComponentWithEvents(t *testing.T) (*Component, *state.State, *platform.MemEventSource) {
	t.Helper()
	_, s := newTestEnv(t)
	kv := kvstore.New()
	sp := spark.New(spark.NewFakeTransport(spark.NewFakeMedium()), platform.NewMemEventSource())
	pm := prefixmgr.New(kv, platform.NewMemStore())
	events := platform.NewMemEventSource()
	lm := New(kv, sp, pm, events)
	s.Modules["kvstore"] = kv
	s.Modules["spark"] = sp
	s.Modules["prefixmgr"] = pm
	s.Modules["linkmonitor"] = lm
	if err := kv.Init(s); err != nil {
		t.Fatalf("kv init: %v", err)
	}
	if err := sp.Init(s); err != nil {
		t.Fatalf("spark init: %v", err)
	}
	if err := pm.Init(s); err != nil {
		t.Fatalf("pm init: %v", err)
	}
	if err := lm.Init(s); err != nil {
		t.Fatalf("lm init: %v", err)
	}
	lm.holdUntil = time.Time{} // disable hold-on-start for tests
	return lm, s, events
}

func TestBuildDbPicksMinimumInterfaceName(t *testing.T) {
	lm, _ := newTestComponent(t)
	lm.env.Dispatch(func(st *state.State) error {
		comp := state.Get[*Component](st)
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventUp, IfName: "eth1", Neighbor: "peer"})
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventUp, IfName: "eth0", Neighbor: "peer"})
		return nil
	})
	waitDispatched(t, lm.env)

	db, err := lm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(db.Adjacencies) != 1 {
		t.Fatalf("got %d adjacencies, want 1", len(db.Adjacencies))
	}
	if db.Adjacencies[0].LocalIfName != "eth0" {
		t.Fatalf("got local iface %q, want eth0 (lexicographically smaller)", db.Adjacencies[0].LocalIfName)
	}
}

func TestRestartingAdjacencyIsHeldOutOfDb(t *testing.T) {
	lm, _ := newTestComponent(t)
	lm.env.Dispatch(func(st *state.State) error {
		comp := state.Get[*Component](st)
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventUp, IfName: "eth0", Neighbor: "peer"})
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventRestarting, IfName: "eth0", Neighbor: "peer"})
		return nil
	})
	waitDispatched(t, lm.env)

	db, err := lm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(db.Adjacencies) != 0 {
		t.Fatalf("expected restarting adjacency to be withheld, got %d entries", len(db.Adjacencies))
	}
}

func TestNodeOverloadReflectedInSnapshot(t *testing.T) {
	lm, _ := newTestComponent(t)
	if err := lm.SetNodeOverload(true); err != nil {
		t.Fatalf("set overload: %v", err)
	}
	db, err := lm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !db.IsOverloaded {
		t.Fatal("expected IsOverloaded=true after SetNodeOverload(true)")
	}
}

func TestAdjacencyMetricOverrideApplied(t *testing.T) {
	lm, _ := newTestComponent(t)
	lm.env.Dispatch(func(st *state.State) error {
		comp := state.Get[*Component](st)
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventUp, IfName: "eth0", Neighbor: "peer"})
		return nil
	})
	waitDispatched(t, lm.env)

	if err := lm.SetAdjacencyMetric("eth0", "peer", 42); err != nil {
		t.Fatalf("set metric: %v", err)
	}
	db, err := lm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(db.Adjacencies) != 1 || db.Adjacencies[0].Metric != 42 {
		t.Fatalf("got %+v, want metric override 42", db.Adjacencies)
	}
}

func TestDownArmsFlapAndSuppressesImmediateUp(t *testing.T) {
	lm, _ := newTestComponent(t)
	lm.env.Dispatch(func(st *state.State) error {
		comp := state.Get[*Component](st)
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventUp, IfName: "eth0", Neighbor: "peer"})
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventDown, IfName: "eth0", Neighbor: "peer"})
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventUp, IfName: "eth0", Neighbor: "peer"})
		return nil
	})
	waitDispatched(t, lm.env)

	db, err := lm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(db.Adjacencies) != 0 {
		t.Fatalf("expected the immediate re-up to be suppressed by the flap dampener, got %+v", db.Adjacencies)
	}
}

func TestInterfaceDownDropsAdjacencyAndPublishesIfaceEvent(t *testing.T) {
	lm, _, events := newTestComponentWithEvents(t)
	rd := lm.InterfaceEvents()

	lm.env.Dispatch(func(st *state.State) error {
		comp := state.Get[*Component](st)
		comp.handleNeighborEvent(spark.NeighborEvent{Kind: spark.EventUp, IfName: "eth0", Neighbor: "peer"})
		return nil
	})
	waitDispatched(t, lm.env)

	events.Emit(platform.PlatformEvent{Tag: platform.LinkEvent, IfName: "eth0", IsUp: false})
	waitDispatched(t, lm.env)

	select {
	case ev := <-rd.Chan():
		if ev.IfName != "eth0" || ev.Up {
			t.Fatalf("got %+v, want down event for eth0", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an interface-down event on the interface database stream")
	}

	db, err := lm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(db.Adjacencies) != 0 {
		t.Fatalf("expected the adjacency over the downed interface to be dropped, got %+v", db.Adjacencies)
	}
}

func TestAddressEventRedistributesLoopbackPrefix(t *testing.T) {
	lm, s, events := newTestComponentWithEvents(t)
	pm := state.Get[*prefixmgr.Component](s)

	prefix := netip.MustParsePrefix("2001:db8::1/128")
	events.Emit(platform.PlatformEvent{Tag: platform.AddressEvent, IfName: "lo", IpPrefix: prefix, IsValid: true})
	waitDispatched(t, lm.env)

	snap, err := pm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	found := false
	for _, e := range snap {
		if e.Prefix == prefix && e.Type == state.PrefixTypeLoopback {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to be redistributed as a loopback prefix, got %+v", prefix, snap)
	}

	events.Emit(platform.PlatformEvent{Tag: platform.AddressEvent, IfName: "lo", IpPrefix: prefix, IsValid: false})
	waitDispatched(t, lm.env)

	snap, err = pm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, e := range snap {
		if e.Prefix == prefix {
			t.Fatalf("expected %s to be withdrawn after the address disappeared, got %+v", prefix, snap)
		}
	}
}

func waitDispatched(t *testing.T, env *state.Env) {
	t.Helper()
	done := make(chan struct{})
	env.Dispatch(func(s *state.State) error { close(done); return nil })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch queue did not drain in time")
	}
}
