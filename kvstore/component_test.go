package kvstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/open-r/openr/state"
	"github.com/stretchr/testify/require"
)

// newTestComponent builds a Component with a running dispatch pump but
// without Init's periodic tasks, so tests can drive Set/AddPeers directly
// from the test goroutine without racing a background TTL/sync tick.
func newTestComponent(t *testing.T, self state.NodeId, floodOpt bool) *Component {
	t.Helper()
	ch := make(chan func(*state.State) error, 64)
	ctx, cancel := context.WithCancelCause(context.Background())
	env := &state.Env{
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

	c := &Component{
		env:   env,
		self:  self,
		areas: map[state.Area]*AreaState{state.DefaultArea: newAreaState(state.DefaultArea, floodOpt)},
	}
	return c
}

func link(a, b *Component, area state.Area) {
	a.AddPeers(area, []*Peer{NewPeer(string(b.self), "", "", false, &LoopbackPeerClient{Remote: b, Area: area, Self: string(a.self)})})
	b.AddPeers(area, []*Peer{NewPeer(string(a.self), "", "", false, &LoopbackPeerClient{Remote: a, Area: area, Self: string(b.self)})})
}

func TestAddPeersTriggersFullSync(t *testing.T) {
	a := newTestComponent(t, "n1", false)
	b := newTestComponent(t, "n2", false)

	require.NoError(t, a.Set(state.DefaultArea, map[string]state.Value{
		"adj:n1": {Version: 1, OriginatorId: "n1", Value: []byte("a-body"), Ttl: state.TtlInfinity},
	}))

	link(a, b, state.DefaultArea)

	got, ok, err := b.Get(state.DefaultArea, "adj:n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a-body"), got.Value)
}

func TestSetFloodsToPeers(t *testing.T) {
	a := newTestComponent(t, "n1", false)
	b := newTestComponent(t, "n2", false)
	link(a, b, state.DefaultArea)

	require.NoError(t, a.Set(state.DefaultArea, map[string]state.Value{
		"prefix:n1": {Version: 1, OriginatorId: "n1", Value: []byte("p"), Ttl: state.TtlInfinity},
	}))

	got, ok, err := b.Get(state.DefaultArea, "prefix:n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("p"), got.Value)
}

func TestSetPropagatesTransitively(t *testing.T) {
	a := newTestComponent(t, "n1", false)
	b := newTestComponent(t, "n2", false)
	c := newTestComponent(t, "n3", false)
	link(a, b, state.DefaultArea)
	link(b, c, state.DefaultArea)

	require.NoError(t, a.Set(state.DefaultArea, map[string]state.Value{
		"adj:n1": {Version: 1, OriginatorId: "n1", Value: []byte("x"), Ttl: state.TtlInfinity},
	}))

	got, ok, err := c.Get(state.DefaultArea, "adj:n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("x"), got.Value)
}

func TestSubscribeObservesLocalSet(t *testing.T) {
	a := newTestComponent(t, "n1", false)
	r, err := a.Subscribe(state.DefaultArea)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, a.Set(state.DefaultArea, map[string]state.Value{
		"adj:n1": {Version: 1, OriginatorId: "n1", Value: []byte("x"), Ttl: state.TtlInfinity},
	}))

	select {
	case pub := <-r.Chan():
		require.Contains(t, pub.KeyVals, "adj:n1")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publication")
	}
}

func TestLongPollAdjWakesOnChange(t *testing.T) {
	a := newTestComponent(t, "n1", false)

	done := make(chan bool, 1)
	go func() {
		changed, err := a.LongPollAdj(state.DefaultArea, map[string]int64{}, 5*time.Second)
		require.NoError(t, err)
		done <- changed
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Set(state.DefaultArea, map[string]state.Value{
		"adj:n1": {Version: 1, OriginatorId: "n1", Value: []byte("x"), Ttl: state.TtlInfinity},
	}))

	select {
	case changed := <-done:
		require.True(t, changed)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll never woke up")
	}
}

func TestLongPollAdjTimesOutWithoutChange(t *testing.T) {
	a := newTestComponent(t, "n1", false)

	start := time.Now()
	changed, err := a.LongPollAdj(state.DefaultArea, map[string]int64{}, 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, changed)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestDualOverlayRestrictsFloodToChildren(t *testing.T) {
	a := newTestComponent(t, "n1", true)
	b := newTestComponent(t, "n2", true)
	c := newTestComponent(t, "n3", true)
	link(a, b, state.DefaultArea)
	link(a, c, state.DefaultArea)

	require.NoError(t, a.ProcessDualMessage(state.DefaultArea, DualMessage{Root: "n1", Peer: "n2", IsChild: true}))

	require.NoError(t, a.Set(state.DefaultArea, map[string]state.Value{
		"adj:n1": {Version: 1, OriginatorId: "n1", Value: []byte("x"), Ttl: state.TtlInfinity},
	}))

	_, ok, _ := b.Get(state.DefaultArea, "adj:n1")
	require.True(t, ok, "n2 is a declared flood child and must receive the update")
	_, ok, _ = c.Get(state.DefaultArea, "adj:n1")
	require.False(t, ok, "n3 is not a declared flood child and must not receive it")
}
