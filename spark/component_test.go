package spark

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/state"
)

func withFastTimers(t *testing.T) {
	t.Helper()
	origHello, origFast, origNeg, origHb := state.SparkHelloInterval, state.SparkFastInitInterval, state.SparkNegotiateHold, state.SparkHeartbeatHold
	state.SparkHelloInterval = 40 * time.Millisecond
	state.SparkFastInitInterval = 5 * time.Millisecond
	state.SparkNegotiateHold = 60 * time.Millisecond
	state.SparkHeartbeatHold = 300 * time.Millisecond
	t.Cleanup(func() {
		state.SparkHelloInterval, state.SparkFastInitInterval, state.SparkNegotiateHold, state.SparkHeartbeatHold = origHello, origFast, origNeg, origHb
	})
}

type testNode struct {
	comp   *Component
	state  *state.State
	events *platform.MemEventSource
}

func newTestNode(t *testing.T, name state.NodeId, medium *FakeMedium) *testNode {
	t.Helper()
	ch := make(chan func(*state.State) error, 256)
	ctx, cancel := context.WithCancelCause(context.Background())
	env := &state.Env{
		Config:          state.Config{NodeName: name, Domain: "openr", Areas: []state.Area{state.DefaultArea}},
		DispatchChannel: ch,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	src := platform.NewMemEventSource()
	comp := New(NewFakeTransport(medium), src)
	s := &state.State{Env: env, Modules: map[string]state.NyModule{"spark": comp}}

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

	if err := comp.Init(s); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &testNode{comp: comp, state: s, events: src}
}

func TestTwoNodesReachEstablished(t *testing.T) {
	withFastTimers(t)
	medium := NewFakeMedium()
	a := newTestNode(t, "a", medium)
	b := newTestNode(t, "b", medium)

	rdA := a.comp.Neighbors()
	rdB := b.comp.Neighbors()

	a.events.Emit(platform.PlatformEvent{Tag: platform.LinkEvent, IfName: "veth0", IsUp: true})
	b.events.Emit(platform.PlatformEvent{Tag: platform.LinkEvent, IfName: "veth0", IsUp: true})

	var gotUpA, gotUpB bool
	deadline := time.After(2 * time.Second)
	for !gotUpA || !gotUpB {
		select {
		case ev := <-rdA.Chan():
			if ev.Kind == EventUp {
				gotUpA = true
			}
		case ev := <-rdB.Chan():
			if ev.Kind == EventUp {
				gotUpB = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for UP events: gotUpA=%v gotUpB=%v", gotUpA, gotUpB)
		}
	}
}

func TestInterfaceDownEmitsDownForEstablishedNeighbor(t *testing.T) {
	withFastTimers(t)
	medium := NewFakeMedium()
	a := newTestNode(t, "a", medium)
	b := newTestNode(t, "b", medium)
	rdA := a.comp.Neighbors()

	a.events.Emit(platform.PlatformEvent{Tag: platform.LinkEvent, IfName: "veth0", IsUp: true})
	b.events.Emit(platform.PlatformEvent{Tag: platform.LinkEvent, IfName: "veth0", IsUp: true})

	waitForUp(t, rdA)

	a.events.Emit(platform.PlatformEvent{Tag: platform.LinkEvent, IfName: "veth0", IsUp: false})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-rdA.Chan():
			if ev.Kind == EventDown {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for DOWN event after interface down")
		}
	}
}

func waitForUp(t *testing.T, rd interface {
	Chan() <-chan NeighborEvent
}) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-rd.Chan():
			if ev.Kind == EventUp {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for UP event")
		}
	}
}
